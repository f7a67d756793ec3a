// Package supervisor runs long-lived background tasks with a strict failure
// contract.
//
// A task that fails before it first yields fails Start itself, so a host
// starting its services sees the error immediately and can abort. A task that
// fails after yielding is escalated to the runner's error handler exactly once;
// by default that logs the fault and terminates the process.
//
// Go has no implicit suspension points, so a task declares its first suspension
// by calling Yield (or Sleep/Wait, which yield before blocking).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/terminator"
)

// Task is a unit of background work. Run must return once ctx is cancelled.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// ErrorHandler receives runtime faults.
type ErrorHandler func(err error)

// Metrics receives lifecycle events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordStart(task, result string)
	RecordState(task string, state State)
	RecordEscalation(task string)
}

// Start results reported to Metrics.
const (
	StartRunning       = "running"
	StartCompletedSync = "completed_sync"
	StartFault         = "startup_fault"
	StartAborted       = "aborted"
)

// Runner supervises a single execution of a Task.
type Runner struct {
	name       string
	task       Task
	logger     *logging.Logger
	metrics    Metrics
	terminator terminator.Terminator
	handler    ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   atomic.Int32
	aborted bool
	err     error
	done    chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithErrorHandler replaces the default log-and-terminate escalation.
func WithErrorHandler(h ErrorHandler) Option {
	return func(r *Runner) { r.handler = h }
}

// WithTerminator sets what the default error handler calls after logging.
func WithTerminator(t terminator.Terminator) Option {
	return func(r *Runner) { r.terminator = t }
}

// WithExitCode sets the exit code of the default Exit terminator.
// Ignored when WithTerminator is also given.
func WithExitCode(code int) Option {
	return func(r *Runner) {
		if _, ok := r.terminator.(*terminator.Exit); ok || r.terminator == nil {
			r.terminator = terminator.NewExit(code, r.logger)
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New creates a runner for task. Nothing runs until Start.
func New(name string, task Task, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		name:   name,
		task:   task,
		logger: logging.Default(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("task", name)
	if r.terminator == nil {
		r.terminator = terminator.NewExit(terminator.DefaultExitCode, r.logger)
	}
	if r.handler == nil {
		r.handler = r.logAndTerminate
	}
	return r
}

// Name returns the task name.
func (r *Runner) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Done is closed once the execution has ended. It never closes if Start is
// never called.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the task's result once Done is closed, nil before.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Start launches the task and waits until it yields, returns or ctx ends.
//
// A task that returns before yielding is considered to have run synchronously:
// its error, if any, is returned as a *StartupFault. A task that yielded keeps
// running in the background and Start returns nil; a later failure goes to the
// error handler. If ctx ends first the task is cancelled and ErrStartAborted
// is returned.
func (r *Runner) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarting)) {
		return fmt.Errorf("%s: %w", r.name, ErrAlreadyStarted)
	}
	r.observe(StateStarting)

	l := newLaunch()
	go r.execute(withLaunch(r.ctx, l), l)

	select {
	case <-l.yielded:
		r.mu.Lock()
		if r.State() == StateStarting {
			r.setState(StateRunning)
		}
		r.mu.Unlock()
		r.recordStart(StartRunning)
		r.logger.Info("Task launched")
		return nil

	case <-r.done:
		return r.startResult(l)

	case <-ctx.Done():
		r.mu.Lock()
		if r.State() != StateStarting {
			// The task settled while we were giving up; report what it did.
			r.mu.Unlock()
			return r.startResult(l)
		}
		r.aborted = true
		r.mu.Unlock()
		r.cancel()
		r.recordStart(StartAborted)
		r.logger.Warn("Task start aborted", map[string]interface{}{"reason": ctx.Err().Error()})
		return fmt.Errorf("%s: %w: %w", r.name, ErrStartAborted, ctx.Err())
	}
}

// startResult maps a settled execution to Start's return value.
func (r *Runner) startResult(l *launch) error {
	switch r.State() {
	case StateFaultedSync:
		r.recordStart(StartFault)
		err := r.Err()
		r.logger.Error("Task failed during startup", map[string]interface{}{"error": err.Error()})
		return &StartupFault{Task: r.name, Err: err}
	case StateCompletedSync:
		r.recordStart(StartCompletedSync)
		return nil
	case StateCancelled:
		if l.didYield() {
			r.recordStart(StartRunning)
			return nil
		}
		r.recordStart(StartAborted)
		return fmt.Errorf("%s: %w: %w", r.name, ErrStartAborted, context.Canceled)
	default:
		// Yielded first; the error path, if any, is the handler's.
		r.recordStart(StartRunning)
		return nil
	}
}

// execute is the only goroutine running the task. After the task returns it
// settles the state and, for a runtime fault, escalates. It is
// not joined by Start or Stop.
func (r *Runner) execute(ctx context.Context, l *launch) {
	err := Guard(func() error { return r.task.Run(ctx) })

	// Only Stop, Close or an aborted Start cancel the runner context.
	stopping := ctx.Err() != nil

	r.mu.Lock()
	r.err = err
	escalate := false
	switch {
	case r.aborted:
		r.setState(StateCancelled)
		r.logStopFailure(ctx, err, "Task failed after its start was aborted")
	case !l.didYield() && err == nil:
		r.setState(StateCompletedSync)
	case !l.didYield() && stopping:
		r.setState(StateCancelled)
		r.logStopFailure(ctx, err, "Task failed while stopping before it launched")
	case !l.didYield():
		r.setState(StateFaultedSync)
	case err == nil:
		r.setState(StateCompleted)
	case stopping:
		r.setState(StateCancelled)
		r.logStopFailure(ctx, err, "Task failed while stopping")
	default:
		r.setState(StateFaulted)
		escalate = true
	}
	close(r.done)
	r.mu.Unlock()

	if escalate {
		r.OnError(&RuntimeFault{Task: r.name, Err: err})
	}
}

// logStopFailure logs a failure that happened after cancellation was
// requested. Such failures are never escalated.
func (r *Runner) logStopFailure(ctx context.Context, err error, msg string) {
	if err != nil && !IsCancellation(ctx, err) {
		r.logger.Error(msg, map[string]interface{}{"error": err.Error()})
	}
}

// OnError hands err to the configured error handler.
func (r *Runner) OnError(err error) {
	if r.metrics != nil {
		r.metrics.RecordEscalation(r.name)
	}
	r.handler(err)
}

func (r *Runner) logAndTerminate(err error) {
	r.logger.Error("Error happened while executing critical task. Shutting down.", map[string]interface{}{
		"error": err.Error(),
	})
	r.terminator.Shutdown()
}

// Stop cancels the task and waits until it has returned or ctx ends,
// whichever comes first. The task's own error is not returned; that is the
// error handler's business.
func (r *Runner) Stop(ctx context.Context) error {
	if r.State() == StateNotStarted {
		return nil
	}

	r.cancel()

	select {
	case <-r.done:
		r.logger.Debug("Task stopped", map[string]interface{}{"state": r.State().String()})
		return nil
	case <-ctx.Done():
		r.logger.Warn("Task did not stop before the deadline")
		return fmt.Errorf("timeout waiting for %s to stop: %w", r.name, ctx.Err())
	}
}

// Close cancels the task. It is safe to call any number of times, before or
// after Stop.
func (r *Runner) Close() error {
	r.cancel()
	return nil
}

// setState must be called with r.mu held (or before the execution exists).
func (r *Runner) setState(to State) {
	from := r.State()
	if err := ValidateTransition(from, to); err != nil {
		r.logger.Warn("Unexpected state transition", map[string]interface{}{"error": err.Error()})
	}
	r.state.Store(int32(to))
	r.observe(to)
}

func (r *Runner) observe(s State) {
	if r.metrics != nil {
		r.metrics.RecordState(r.name, s)
	}
}

func (r *Runner) recordStart(result string) {
	if r.metrics != nil {
		r.metrics.RecordStart(r.name, result)
	}
}
