// Package periodic runs a freshly created task on a fixed cadence under
// supervision.
//
// The scheduler is itself a supervisor.Task. Before its first suspension it
// checks its Provider; a provider that cannot produce a task fails Start with
// a startup fault. After that, every iteration gets a new instance from the
// provider, and a failing iteration either crashes the application
// (CrashApplication) or is logged and retried after the interval (RetryLater).
package periodic

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/store"
	"github.com/psantana5/taskguard/pkg/supervisor"
	"github.com/psantana5/taskguard/pkg/terminator"
)

// Phase is the scheduler loop's own position.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseExecuting
	PhaseSleeping
	PhaseCancelled
	PhaseCrashed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhaseExecuting:
		return "executing"
	case PhaseSleeping:
		return "sleeping"
	case PhaseCancelled:
		return "cancelled"
	case PhaseCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Iteration results reported to Metrics.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Metrics receives scheduler events in addition to the runner's.
type Metrics interface {
	supervisor.Metrics
	RecordIteration(task, result string, d time.Duration)
}

// IterationError is a failed iteration, as returned from Run under
// CrashApplication.
type IterationError struct {
	Task      string
	Iteration int64
	Err       error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("%s iteration %d failed: %v", e.Task, e.Iteration, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }

// Stats summarises the iterations run so far.
type Stats struct {
	Iterations int64     `json:"iterations"`
	Successes  int64     `json:"successes"`
	Failures   int64     `json:"failures"`
	LastError  string    `json:"last_error,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
}

// Scheduler repeatedly runs tasks obtained from a Provider.
type Scheduler struct {
	name     string
	provider Provider
	schedule Schedule
	logger   *logging.Logger
	metrics  Metrics
	tracer   trace.Tracer
	recorder store.Recorder
	runner   *supervisor.Runner

	phase atomic.Int32
	mu    sync.RWMutex
	stats Stats
}

type config struct {
	logger     *logging.Logger
	metrics    Metrics
	tracer     trace.Tracer
	recorder   store.Recorder
	runnerOpts []supervisor.Option
}

// Option configures a Scheduler.
type Option func(*config)

func WithLogger(l *logging.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(c *config) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *config) { c.tracer = t }
}

// WithRecorder stores a Run record for every iteration.
func WithRecorder(r store.Recorder) Option {
	return func(c *config) { c.recorder = r }
}

// WithTerminator sets the terminator used when the scheduler escalates.
func WithTerminator(t terminator.Terminator) Option {
	return func(c *config) { c.runnerOpts = append(c.runnerOpts, supervisor.WithTerminator(t)) }
}

// WithErrorHandler replaces the default log-and-terminate escalation.
func WithErrorHandler(h supervisor.ErrorHandler) Option {
	return func(c *config) { c.runnerOpts = append(c.runnerOpts, supervisor.WithErrorHandler(h)) }
}

// New creates a scheduler. The schedule is copied and cannot change later.
func New(name string, provider Provider, schedule Schedule, opts ...Option) (*Scheduler, error) {
	if provider == nil {
		return nil, fmt.Errorf("scheduler %s: nil provider", name)
	}
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler %s: %w", name, err)
	}

	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default()
	}
	if cfg.tracer == nil {
		cfg.tracer = noop.NewTracerProvider().Tracer("periodic")
	}

	s := &Scheduler{
		name:     name,
		provider: provider,
		schedule: schedule,
		logger:   cfg.logger.WithField("task", name),
		metrics:  cfg.metrics,
		tracer:   cfg.tracer,
		recorder: cfg.recorder,
	}

	runnerOpts := []supervisor.Option{supervisor.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		runnerOpts = append(runnerOpts, supervisor.WithMetrics(cfg.metrics))
	}
	runnerOpts = append(runnerOpts, cfg.runnerOpts...)
	s.runner = supervisor.New(name, s, runnerOpts...)

	return s, nil
}

func (s *Scheduler) Name() string       { return s.name }
func (s *Scheduler) Schedule() Schedule { return s.schedule }
func (s *Scheduler) Phase() Phase       { return Phase(s.phase.Load()) }

// State is the lifecycle state of the supervising runner.
func (s *Scheduler) State() supervisor.State { return s.runner.State() }

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.runner.Done() }

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Start checks the provider and launches the loop. A provider that cannot
// produce a task makes Start fail with a *supervisor.StartupFault.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info(fmt.Sprintf("[Periodic] Starting scheduler (%s)", s.schedule))
	return s.runner.Start(ctx)
}

// Stop cancels the loop and waits for the current iteration, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("[Periodic] Stopping scheduler...")
	return s.runner.Stop(ctx)
}

func (s *Scheduler) Close() error { return s.runner.Close() }

// Run is the scheduler loop. It is normally driven by Start, but can be run
// directly; it then returns the first CrashApplication failure instead of
// escalating it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setPhase(PhaseChecking)
	// Check before yielding so that an unusable provider fails startup
	// regardless of the failure policy.
	if !s.provider.CanProvide() {
		s.setPhase(PhaseCrashed)
		s.logger.Error("[Periodic] Provider cannot produce a task")
		return fmt.Errorf("%s: %w", s.name, ErrCannotProvide)
	}

	supervisor.Yield(ctx)

	for iteration := int64(1); ; iteration++ {
		if ctx.Err() != nil {
			s.setPhase(PhaseCancelled)
			return ctx.Err()
		}

		s.setPhase(PhaseExecuting)
		err := s.runIteration(ctx, iteration)
		switch {
		case err == nil:
		case supervisor.IsCancellation(ctx, err):
			s.setPhase(PhaseCancelled)
			return ctx.Err()
		case s.schedule.Policy == CrashApplication:
			if ctx.Err() != nil {
				// The runner logs it; a failure while stopping is not escalated.
				s.setPhase(PhaseCancelled)
			} else {
				s.setPhase(PhaseCrashed)
			}
			return &IterationError{Task: s.name, Iteration: iteration, Err: err}
		default:
			s.logger.Warn(fmt.Sprintf("[Periodic] Iteration failed. Retrying in %v", s.schedule.Interval), map[string]interface{}{
				"iteration": iteration,
				"error":     err.Error(),
			})
		}

		s.setPhase(PhaseSleeping)
		if err := supervisor.Sleep(ctx, s.schedule.Interval); err != nil {
			s.setPhase(PhaseCancelled)
			return err
		}
	}
}

// runIteration obtains a new task, runs it and records the outcome.
func (s *Scheduler) runIteration(ctx context.Context, iteration int64) error {
	runID := uuid.New().String()
	ctx, span := s.tracer.Start(ctx, "periodic.iteration", trace.WithAttributes(
		attribute.String("task", s.name),
		attribute.Int64("iteration", iteration),
		attribute.String("run_id", runID),
	))
	defer span.End()

	started := time.Now()
	err := supervisor.Guard(func() error {
		task, err := s.provider.Provide()
		if err != nil {
			return fmt.Errorf("failed to obtain task: %w", err)
		}
		if task == nil {
			return fmt.Errorf("failed to obtain task: %w", ErrCannotProvide)
		}
		return task.Run(ctx)
	})
	elapsed := time.Since(started)

	result := ResultSucceeded
	status := store.RunSucceeded
	switch {
	case err == nil:
	case supervisor.IsCancellation(ctx, err):
		result, status = ResultCancelled, store.RunCancelled
	default:
		result, status = ResultFailed, store.RunFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("[Periodic] Error while running task", map[string]interface{}{
			"iteration": iteration,
			"run_id":    runID,
			"error":     err.Error(),
		})
	}

	s.mu.Lock()
	s.stats.Iterations++
	s.stats.LastRun = started
	switch status {
	case store.RunSucceeded:
		s.stats.Successes++
	case store.RunFailed:
		s.stats.Failures++
		s.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordIteration(s.name, result, elapsed)
	}
	s.record(ctx, &store.Run{
		ID:        runID,
		Task:      s.name,
		Iteration: iteration,
		StartedAt: started,
		Duration:  elapsed,
		Status:    status,
		Error:     errString(err),
		Escalated: status == store.RunFailed && s.schedule.Policy == CrashApplication && ctx.Err() == nil,
	})

	return err
}

// record stores the run; a failing recorder never affects the loop.
func (s *Scheduler) record(ctx context.Context, run *store.Run) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordRun(ctx, run); err != nil {
		s.logger.Warn("[Periodic] Failed to record run", map[string]interface{}{
			"run_id": run.ID,
			"error":  err.Error(),
		})
	}
}

func (s *Scheduler) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ supervisor.Task = (*Scheduler)(nil)
