package periodic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/store"
	"github.com/psantana5/taskguard/pkg/supervisor"
	"github.com/psantana5/taskguard/pkg/terminator"
)

// failingCounter counts its calls in a holder shared by every instance.
type failingCounter struct {
	calls *atomic.Int64
	err   error
}

func (f *failingCounter) Run(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

func counterFactory(calls *atomic.Int64, err error) Factory {
	return func() (supervisor.Task, error) {
		return &failingCounter{calls: calls, err: err}, nil
	}
}

func newTestScheduler(t *testing.T, provider Provider, schedule Schedule, opts ...Option) (*Scheduler, *terminator.Mock) {
	t.Helper()
	mock := terminator.NewMock()
	opts = append([]Option{WithLogger(logging.Discard()), WithTerminator(mock)}, opts...)
	s, err := New("test-periodic", provider, schedule, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestNew_RejectsInvalidSchedule(t *testing.T) {
	var calls atomic.Int64
	tests := []struct {
		name     string
		schedule Schedule
	}{
		{"zero interval", Schedule{Interval: 0, Policy: RetryLater}},
		{"negative interval", Schedule{Interval: -time.Second, Policy: RetryLater}},
		{"unknown policy", Schedule{Interval: time.Second, Policy: FailurePolicy(42)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New("x", counterFactory(&calls, nil), tt.schedule); err == nil {
				t.Error("expected New to fail")
			}
		})
	}

	if _, err := New("x", nil, Schedule{Interval: time.Second, Policy: RetryLater}); err == nil {
		t.Error("expected New to reject a nil provider")
	}
}

func TestScheduler_CrashApplicationTerminatesOnce(t *testing.T) {
	var calls atomic.Int64
	s, mock := newTestScheduler(t, counterFactory(&calls, errors.New("oh no")),
		Schedule{Interval: 20 * time.Millisecond, Policy: CrashApplication})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-mock.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("termination was not requested")
	}

	// No further iterations after the crash.
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 iteration, got %d", got)
	}
	if got := mock.Count(); got != 1 {
		t.Errorf("expected 1 termination request, got %d", got)
	}
	if s.State() != supervisor.StateFaulted {
		t.Errorf("expected state %s, got %s", supervisor.StateFaulted, s.State())
	}
	if s.Phase() != PhaseCrashed {
		t.Errorf("expected phase %s, got %s", PhaseCrashed, s.Phase())
	}
}

func TestScheduler_CrashApplicationEscalatesIterationError(t *testing.T) {
	var calls atomic.Int64
	faults := make(chan error, 4)
	s, _ := newTestScheduler(t, counterFactory(&calls, errors.New("oh no")),
		Schedule{Interval: 20 * time.Millisecond, Policy: CrashApplication},
		WithErrorHandler(func(err error) { faults <- err }))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var err error
	select {
	case err = <-faults:
	case <-time.After(2 * time.Second):
		t.Fatal("fault was not escalated")
	}

	var fault *supervisor.RuntimeFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *supervisor.RuntimeFault, got %T", err)
	}
	var iterErr *IterationError
	if !errors.As(err, &iterErr) {
		t.Fatalf("expected *IterationError inside the fault, got %v", err)
	}
	if iterErr.Iteration != 1 {
		t.Errorf("expected iteration 1, got %d", iterErr.Iteration)
	}

	select {
	case extra := <-faults:
		t.Errorf("fault escalated twice: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_RetryLaterKeepsRunning(t *testing.T) {
	var calls atomic.Int64
	s, mock := newTestScheduler(t, counterFactory(&calls, errors.New("oh no")),
		Schedule{Interval: 10 * time.Millisecond, Policy: RetryLater})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return s.Stats().Iterations >= 5 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stats := s.Stats()
	if got := calls.Load(); got != stats.Iterations {
		t.Errorf("expected counter to match %d iterations, got %d", stats.Iterations, got)
	}
	if stats.Failures != stats.Iterations {
		t.Errorf("expected every iteration to fail, got %d/%d", stats.Failures, stats.Iterations)
	}
	if stats.LastError != "oh no" {
		t.Errorf("expected last error %q, got %q", "oh no", stats.LastError)
	}
	if mock.Requested() {
		t.Error("RetryLater must not request termination")
	}
	if s.State() != supervisor.StateCancelled {
		t.Errorf("expected state %s, got %s", supervisor.StateCancelled, s.State())
	}
}

func TestScheduler_RetryLaterFixedWindow(t *testing.T) {
	var calls atomic.Int64
	s, mock := newTestScheduler(t, counterFactory(&calls, errors.New("oh no")),
		Schedule{Interval: 50 * time.Millisecond, Policy: RetryLater})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := calls.Load(); got < 5 {
		t.Errorf("expected at least 5 iterations after 300ms, got %d", got)
	}
	if mock.Requested() {
		t.Error("RetryLater must not request termination")
	}
}

func TestScheduler_ProviderUnavailableFailsStart(t *testing.T) {
	registry := NewRegistry()
	s, mock := newTestScheduler(t, registry.Provider("missing"),
		Schedule{Interval: 10 * time.Millisecond, Policy: RetryLater})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	var fault *supervisor.StartupFault
	if !errors.As(err, &fault) {
		t.Errorf("expected *supervisor.StartupFault, got %T", err)
	}
	if !errors.Is(err, ErrCannotProvide) {
		t.Errorf("expected ErrCannotProvide, got %v", err)
	}
	if s.Stats().Iterations != 0 {
		t.Errorf("expected no iterations, got %d", s.Stats().Iterations)
	}
	if mock.Requested() {
		t.Error("a startup fault must not request termination")
	}
}

func TestScheduler_FreshInstancePerIteration(t *testing.T) {
	var (
		mu        sync.Mutex
		instances = make(map[*failingCounter]int)
		calls     atomic.Int64
	)
	provider := Factory(func() (supervisor.Task, error) {
		task := &failingCounter{calls: &calls}
		mu.Lock()
		instances[task]++
		mu.Unlock()
		return task, nil
	})

	s, _ := newTestScheduler(t, provider, Schedule{Interval: 5 * time.Millisecond, Policy: CrashApplication})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 3 })
	s.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if int64(len(instances)) < 3 {
		t.Errorf("expected a new instance per iteration, got %d instances", len(instances))
	}
	for _, n := range instances {
		if n != 1 {
			t.Errorf("instance reused %d times", n)
		}
	}
}

func TestScheduler_ProvideErrorFollowsPolicy(t *testing.T) {
	var attempts atomic.Int64
	provider := Factory(func() (supervisor.Task, error) {
		attempts.Add(1)
		return nil, errors.New("not ready")
	})

	s, mock := newTestScheduler(t, provider, Schedule{Interval: 5 * time.Millisecond, Policy: RetryLater})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return attempts.Load() >= 3 })
	s.Stop(context.Background())

	if mock.Requested() {
		t.Error("RetryLater must not request termination")
	}
	if s.Stats().Failures < 3 {
		t.Errorf("expected Provide errors to count as failures, got %d", s.Stats().Failures)
	}
}

func TestScheduler_PanicIsAFailure(t *testing.T) {
	provider := Factory(func() (supervisor.Task, error) {
		return supervisor.TaskFunc(func(ctx context.Context) error {
			panic("kaboom")
		}), nil
	})

	s, mock := newTestScheduler(t, provider, Schedule{Interval: 5 * time.Millisecond, Policy: CrashApplication})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-mock.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("a panicking iteration should be escalated")
	}
	var panicErr *supervisor.PanicError
	if !errors.As(s.runner.Err(), &panicErr) {
		t.Errorf("expected *supervisor.PanicError, got %v", s.runner.Err())
	}
}

func TestScheduler_StopDuringSleep(t *testing.T) {
	var calls atomic.Int64
	s, mock := newTestScheduler(t, counterFactory(&calls, nil),
		Schedule{Interval: time.Hour, Policy: CrashApplication})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return s.Phase() == PhaseSleeping })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 iteration, got %d", got)
	}
	if s.Phase() != PhaseCancelled {
		t.Errorf("expected phase %s, got %s", PhaseCancelled, s.Phase())
	}
	if mock.Requested() {
		t.Error("stopping must not request termination")
	}
}

func TestScheduler_FailureWhileStoppingDoesNotCrash(t *testing.T) {
	started := make(chan struct{}, 1)
	provider := Factory(func() (supervisor.Task, error) {
		return supervisor.TaskFunc(func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return errors.New("rollback failed")
		}), nil
	})
	runs := store.NewMemoryStore()
	s, mock := newTestScheduler(t, provider,
		Schedule{Interval: time.Hour, Policy: CrashApplication}, WithRecorder(runs))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if mock.Requested() {
		t.Error("a failure during Stop must not request termination")
	}
	if s.State() != supervisor.StateCancelled {
		t.Errorf("expected state %s, got %s", supervisor.StateCancelled, s.State())
	}
	if s.Phase() != PhaseCancelled {
		t.Errorf("expected phase %s, got %s", PhaseCancelled, s.Phase())
	}
	list, err := runs.ListRuns(context.Background(), "test-periodic", 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 run, got %d (%v)", len(list), err)
	}
	if list[0].Status != store.RunFailed || list[0].Escalated {
		t.Errorf("expected a failed, unescalated run, got %+v", list[0])
	}
}

func TestScheduler_CancelledIterationIsNotAFailure(t *testing.T) {
	started := make(chan struct{}, 1)
	provider := Factory(func() (supervisor.Task, error) {
		return supervisor.TaskFunc(func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}), nil
	})

	s, mock := newTestScheduler(t, provider, Schedule{Interval: time.Second, Policy: CrashApplication})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if mock.Requested() {
		t.Error("a cancelled iteration must not request termination")
	}
	if s.Stats().Failures != 0 {
		t.Errorf("expected no failures, got %d", s.Stats().Failures)
	}
}

func TestScheduler_RecordsRuns(t *testing.T) {
	var calls atomic.Int64
	runs := store.NewMemoryStore()
	s, _ := newTestScheduler(t, counterFactory(&calls, errors.New("oh no")),
		Schedule{Interval: 5 * time.Millisecond, Policy: RetryLater}, WithRecorder(runs))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 3 })
	s.Stop(context.Background())

	ctx := context.Background()
	failed, err := runs.CountRuns(ctx, "test-periodic", store.RunFailed)
	if err != nil {
		t.Fatalf("CountRuns failed: %v", err)
	}
	if int64(failed) != calls.Load() {
		t.Errorf("expected %d failed runs recorded, got %d", calls.Load(), failed)
	}

	latest, err := runs.ListRuns(ctx, "test-periodic", 1)
	if err != nil || len(latest) != 1 {
		t.Fatalf("ListRuns: %v (%d runs)", err, len(latest))
	}
	if latest[0].Error != "oh no" || latest[0].Escalated {
		t.Errorf("unexpected run record: %+v", latest[0])
	}
}

type recordingMetrics struct {
	mu         sync.Mutex
	iterations map[string]int
	starts     map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{iterations: map[string]int{}, starts: map[string]int{}}
}

func (m *recordingMetrics) RecordStart(task, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts[result]++
}

func (m *recordingMetrics) RecordState(task string, state supervisor.State) {}
func (m *recordingMetrics) RecordEscalation(task string)                   {}

func (m *recordingMetrics) RecordIteration(task, result string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations[result]++
}

func (m *recordingMetrics) count(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterations[result]
}

func TestScheduler_ReportsMetrics(t *testing.T) {
	var calls atomic.Int64
	metrics := newRecordingMetrics()
	s, _ := newTestScheduler(t, counterFactory(&calls, nil),
		Schedule{Interval: 5 * time.Millisecond, Policy: CrashApplication}, WithMetrics(metrics))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return metrics.count(ResultSucceeded) >= 2 })
	s.Stop(context.Background())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.starts[supervisor.StartRunning] != 1 {
		t.Errorf("expected one running start, got %v", metrics.starts)
	}
}
