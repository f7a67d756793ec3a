package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/terminator"
)

func newTestRunner(task Task, opts ...Option) (*Runner, *terminator.Mock) {
	mock := terminator.NewMock()
	opts = append([]Option{WithLogger(logging.Discard()), WithTerminator(mock)}, opts...)
	return New("test-task", task, opts...), mock
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not finish, state %s", r.State())
	}
}

func TestStart_SynchronousFaultFailsStart(t *testing.T) {
	r, mock := newTestRunner(TaskFunc(func(ctx context.Context) error {
		return errors.New("boom")
	}))

	err := r.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected error to carry %q, got %v", "boom", err)
	}
	var fault *StartupFault
	if !errors.As(err, &fault) {
		t.Errorf("expected *StartupFault, got %T", err)
	}
	if r.State() != StateFaultedSync {
		t.Errorf("expected state %s, got %s", StateFaultedSync, r.State())
	}

	time.Sleep(50 * time.Millisecond)
	if mock.Requested() {
		t.Error("a startup fault must not request termination")
	}
}

func TestStart_SynchronousSuccess(t *testing.T) {
	r, mock := newTestRunner(TaskFunc(func(ctx context.Context) error {
		return nil
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.State() != StateCompletedSync {
		t.Errorf("expected state %s, got %s", StateCompletedSync, r.State())
	}
	if mock.Requested() {
		t.Error("unexpected termination request")
	}
}

func TestStart_FaultAfterYieldEscalatesOnce(t *testing.T) {
	var calls atomic.Int32
	var got atomic.Value
	handled := make(chan struct{}, 4)

	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		return errors.New("crash after yielding")
	}), WithErrorHandler(func(err error) {
		calls.Add(1)
		got.Store(err)
		handled <- struct{}{}
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start should succeed once the task yielded, got %v", err)
	}

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("error handler was not invoked")
	}
	time.Sleep(50 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly one escalation, got %d", n)
	}
	var fault *RuntimeFault
	if err, _ := got.Load().(error); !errors.As(err, &fault) {
		t.Errorf("expected *RuntimeFault, got %v", got.Load())
	}
	if r.State() != StateFaulted {
		t.Errorf("expected state %s, got %s", StateFaulted, r.State())
	}
}

func TestStart_DefaultHandlerRequestsTermination(t *testing.T) {
	r, mock := newTestRunner(TaskFunc(func(ctx context.Context) error {
		if err := Sleep(ctx, 10*time.Millisecond); err != nil {
			return err
		}
		return errors.New("oh no")
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-mock.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("termination was not requested")
	}
	if mock.Count() != 1 {
		t.Errorf("expected one termination request, got %d", mock.Count())
	}
}

func TestStart_Twice(t *testing.T) {
	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		<-ctx.Done()
		return ctx.Err()
	}))
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStart_AbortedByContext(t *testing.T) {
	var escalated atomic.Bool
	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error {
		// Never yields: blocks the caller of Start like synchronous work would.
		<-ctx.Done()
		return ctx.Err()
	}), WithErrorHandler(func(error) { escalated.Store(true) }))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := r.Start(ctx)
	if !errors.Is(err, ErrStartAborted) {
		t.Fatalf("expected ErrStartAborted, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the context error to be wrapped, got %v", err)
	}

	waitDone(t, r)
	if r.State() != StateCancelled {
		t.Errorf("expected state %s, got %s", StateCancelled, r.State())
	}
	if escalated.Load() {
		t.Error("an aborted start must not escalate")
	}
}

func TestStart_PanicBeforeYield(t *testing.T) {
	r, mock := newTestRunner(TaskFunc(func(ctx context.Context) error {
		panic("kaboom")
	}))

	err := r.Start(context.Background())
	var p *PanicError
	if !errors.As(err, &p) {
		t.Fatalf("expected a wrapped *PanicError, got %v", err)
	}
	if p.Value != "kaboom" {
		t.Errorf("unexpected panic value %v", p.Value)
	}
	if mock.Requested() {
		t.Error("unexpected termination request")
	}
}

func TestStart_PanicAfterYieldEscalates(t *testing.T) {
	r, mock := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		panic("kaboom")
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-mock.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("termination was not requested")
	}

	var p *PanicError
	if !errors.As(r.Err(), &p) {
		t.Errorf("expected *PanicError result, got %v", r.Err())
	}
}

func TestStop_NeverStarted(t *testing.T) {
	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error { return nil }))

	start := time.Now()
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Stop on an unstarted runner should return immediately")
	}
}

func TestStop_CancelsCooperativeTask(t *testing.T) {
	var escalated atomic.Bool
	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		<-ctx.Done()
		return ctx.Err()
	}), WithErrorHandler(func(error) { escalated.Store(true) }))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.State() != StateRunning {
		t.Fatalf("expected state %s, got %s", StateRunning, r.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r.State() != StateCancelled {
		t.Errorf("expected state %s, got %s", StateCancelled, r.State())
	}
	if escalated.Load() {
		t.Error("cancellation must not be escalated")
	}
}

func TestStop_BoundedByDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		<-release // ignores cancellation
		return nil
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Stop(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Stop took %v, should return at the deadline", elapsed)
	}
}

func TestStop_DoesNotWaitForEscalation(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	defer close(block)

	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		return errors.New("late failure")
	}), WithErrorHandler(func(error) {
		close(entered)
		<-block
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop should not wait on the error handler, got %v", err)
	}
}

func TestStop_FailureWhileStoppingIsNotEscalated(t *testing.T) {
	r, mock := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		<-ctx.Done()
		return errors.New("flush failed while stopping")
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r.State() != StateCancelled {
		t.Errorf("expected state %s, got %s", StateCancelled, r.State())
	}
	if mock.Requested() {
		t.Error("a failure during Stop must not request termination")
	}
	if r.Err() == nil || !strings.Contains(r.Err().Error(), "flush failed") {
		t.Errorf("expected the task error to be kept, got %v", r.Err())
	}
}

func TestStop_BeforeYieldAbortsStart(t *testing.T) {
	r, mock := newTestRunner(TaskFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	started := make(chan error, 1)
	go func() { started <- r.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.State() == StateNotStarted && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	var err error
	select {
	case err = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if !errors.Is(err, ErrStartAborted) {
		t.Errorf("expected ErrStartAborted, got %v", err)
	}
	var fault *StartupFault
	if errors.As(err, &fault) {
		t.Errorf("cancellation must not be reported as a startup fault: %v", err)
	}
	if r.State() != StateCancelled {
		t.Errorf("expected state %s, got %s", StateCancelled, r.State())
	}
	if mock.Requested() {
		t.Error("unexpected termination request")
	}
}

func TestClose_Idempotent(t *testing.T) {
	r, _ := newTestRunner(TaskFunc(func(ctx context.Context) error {
		Yield(ctx)
		<-ctx.Done()
		return ctx.Err()
	}))

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.Close(); err != nil {
			t.Errorf("Close #%d failed: %v", i, err)
		}
	}
}

func TestWait(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7

	v, ok, err := Wait(context.Background(), ch)
	if err != nil || !ok || v != 7 {
		t.Errorf("Wait = (%d, %v, %v), want (7, true, nil)", v, ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := Wait(ctx, make(chan int)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep was not interrupted by cancellation")
	}
}
