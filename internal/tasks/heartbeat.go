package tasks

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/supervisor"
)

// Heartbeat logs a line on every beat.
type Heartbeat struct {
	message string
	beats   *atomic.Int64
	logger  *logging.Logger
}

func (h *Heartbeat) Run(ctx context.Context) error {
	n := h.beats.Add(1)
	h.logger.Info(fmt.Sprintf("[Heartbeat] %s", h.message), map[string]interface{}{"beat": n})
	return nil
}

// options: message
func buildHeartbeat(name string, opts Options, deps Deps) (periodic.Factory, error) {
	message := opts.String("message", "alive")
	var beats atomic.Int64
	return func() (supervisor.Task, error) {
		return &Heartbeat{message: message, beats: &beats, logger: deps.Logger}, nil
	}, nil
}
