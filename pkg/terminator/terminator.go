// Package terminator abstracts "request that the host process shuts down".
//
// Escalated faults end in a Terminator. Production hosts use Lifetime (orderly
// shutdown through the host) or Exit (hard exit); tests use Mock.
package terminator

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/psantana5/taskguard/pkg/logging"
)

// DefaultExitCode is the process exit code used by Exit when none is set.
const DefaultExitCode = 3400

// Terminator requests process shutdown. Calls are fire-and-forget and
// repeated calls are harmless.
type Terminator interface {
	Shutdown()
}

// Func adapts a plain function to Terminator.
type Func func()

func (f Func) Shutdown() { f() }

// Lifetime ends the host by cancelling its root context.
type Lifetime struct {
	cancel    context.CancelFunc
	once      sync.Once
	requested atomic.Bool
	done      chan struct{}
}

// NewLifetime returns a child of parent that is cancelled on Shutdown, and the
// Lifetime that owns it.
func NewLifetime(parent context.Context) (context.Context, *Lifetime) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Lifetime{cancel: cancel, done: make(chan struct{})}
}

// Shutdown cancels the host context. Only the first call has an effect.
func (l *Lifetime) Shutdown() {
	l.once.Do(func() {
		l.requested.Store(true)
		close(l.done)
		l.cancel()
	})
}

// Requested reports whether Shutdown has been called.
func (l *Lifetime) Requested() bool { return l.requested.Load() }

// Done is closed on the first Shutdown call. It is not closed when the parent
// context ends on its own.
func (l *Lifetime) Done() <-chan struct{} { return l.done }

// Exit terminates the process immediately.
type Exit struct {
	Code   int
	Logger *logging.Logger

	// exit is os.Exit outside tests
	exit func(int)
	once sync.Once
}

// NewExit returns an Exit terminator using code (DefaultExitCode when zero).
func NewExit(code int, logger *logging.Logger) *Exit {
	if code == 0 {
		code = DefaultExitCode
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Exit{Code: code, Logger: logger, exit: os.Exit}
}

func (e *Exit) Shutdown() {
	e.once.Do(func() {
		e.Logger.Error("Terminating process", map[string]interface{}{"exit_code": e.Code})
		exit := e.exit
		if exit == nil {
			exit = os.Exit
		}
		exit(e.Code)
	})
}

// Mock records shutdown requests instead of acting on them.
type Mock struct {
	count atomic.Int64
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
}

func NewMock() *Mock {
	return &Mock{done: make(chan struct{})}
}

func (m *Mock) Shutdown() {
	m.count.Add(1)
	m.once.Do(func() {
		m.mu.Lock()
		if m.done == nil {
			m.done = make(chan struct{})
		}
		close(m.done)
		m.mu.Unlock()
	})
}

// Requested reports whether Shutdown was called at least once.
func (m *Mock) Requested() bool { return m.count.Load() > 0 }

// Count returns the number of Shutdown calls.
func (m *Mock) Count() int { return int(m.count.Load()) }

// Done is closed on the first Shutdown call.
func (m *Mock) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		m.done = make(chan struct{})
	}
	return m.done
}
