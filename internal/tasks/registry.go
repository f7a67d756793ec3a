// Package tasks holds the built-in work units the daemon can schedule by
// kind.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/periodic"
)

var ErrUnknownKind = errors.New("unknown task kind")

// StatsSink receives host samples from the sysstats task.
type StatsSink interface {
	RecordSystemStats(cpuPercent, memoryPercent float64, memoryUsed uint64)
}

// Deps are the long-lived collaborators handed to every builder.
type Deps struct {
	Logger *logging.Logger
	Stats  StatsSink
}

// Builder validates options once and returns the factory that creates a
// fresh work unit per iteration. Anything the factory closes over, such as
// a StateHolder, lives as long as the scheduler.
type Builder func(name string, opts Options, deps Deps) (periodic.Factory, error)

// Kinds maps kind names to builders.
type Kinds struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewKinds returns a registry with the built-in kinds.
func NewKinds() *Kinds {
	k := &Kinds{builders: make(map[string]Builder)}
	k.Register("heartbeat", buildHeartbeat)
	k.Register("sysstats", buildSysStats)
	k.Register("httpcheck", buildHTTPCheck)
	k.Register("counter", buildCounter)
	return k
}

func (k *Kinds) Register(kind string, b Builder) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.builders[kind] = b
}

// Names lists the known kinds in sorted order.
func (k *Kinds) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.builders))
	for name := range k.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether kind is registered.
func (k *Kinds) Has(kind string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.builders[kind]
	return ok
}

// Install builds the factory for a configured task and registers it in reg
// under name.
func (k *Kinds) Install(reg *periodic.Registry, name, kind string, opts Options, deps Deps) error {
	k.mu.RLock()
	build, ok := k.builders[kind]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	deps.Logger = deps.Logger.WithField("task", name)

	factory, err := build(name, opts, deps)
	if err != nil {
		return fmt.Errorf("task %s (%s): %w", name, kind, err)
	}
	reg.Register(name, factory)
	return nil
}
