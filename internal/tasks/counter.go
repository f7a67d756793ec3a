package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/supervisor"
)

var ErrCounterFailed = errors.New("counter iteration failed")

// StateHolder is shared by every instance a counter factory creates. It
// counts calls and signals once a target is reached.
type StateHolder struct {
	mu      sync.Mutex
	count   int
	target  int
	reached chan struct{}
}

func NewStateHolder(target int) *StateHolder {
	return &StateHolder{target: target, reached: make(chan struct{})}
}

// Call increments the counter.
func (h *StateHolder) Call() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	if h.target > 0 && h.count == h.target {
		close(h.reached)
	}
	return h.count
}

func (h *StateHolder) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Reached is closed once Call has been made target times. It never closes
// for a target of zero.
func (h *StateHolder) Reached() <-chan struct{} { return h.reached }

// Counter increments its holder, then fails every failEvery calls
// (never when failEvery is 0).
type Counter struct {
	holder    *StateHolder
	failEvery int
	logger    *logging.Logger
}

func NewCounter(holder *StateHolder, failEvery int, logger *logging.Logger) *Counter {
	return &Counter{holder: holder, failEvery: failEvery, logger: logger}
}

func (c *Counter) Run(ctx context.Context) error {
	n := c.holder.Call()
	if c.failEvery > 0 && n%c.failEvery == 0 {
		return ErrCounterFailed
	}
	c.logger.Debug("[Counter] Counted", map[string]interface{}{"count": n})
	return nil
}

// options: fail_every (int, 0 = never), target (int)
func buildCounter(name string, opts Options, deps Deps) (periodic.Factory, error) {
	failEvery, err := opts.Int("fail_every", 0)
	if err != nil {
		return nil, err
	}
	target, err := opts.Int("target", 0)
	if err != nil {
		return nil, err
	}
	if failEvery < 0 || target < 0 {
		return nil, errors.New("fail_every and target must not be negative")
	}

	holder := NewStateHolder(target)
	return func() (supervisor.Task, error) {
		return NewCounter(holder, failEvery, deps.Logger), nil
	}, nil
}
