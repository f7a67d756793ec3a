package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrAlreadyStarted is returned by a second Start on the same Runner.
	ErrAlreadyStarted = errors.New("task already started")

	// ErrStartAborted is returned when the start context ends before the task
	// yielded or returned.
	ErrStartAborted = errors.New("task start aborted")
)

// StartupFault is a failure that happened before the task first yielded.
// Start returns it directly; it never reaches the error handler.
type StartupFault struct {
	Task string
	Err  error
}

func (e *StartupFault) Error() string {
	return fmt.Sprintf("task %s failed during startup: %v", e.Task, e.Err)
}

func (e *StartupFault) Unwrap() error { return e.Err }

// RuntimeFault is a failure that happened after the task yielded. It is only
// ever delivered to the runner's error handler.
type RuntimeFault struct {
	Task string
	Err  error
}

func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *RuntimeFault) Unwrap() error { return e.Err }

// PanicError is a recovered panic from inside a task.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Guard runs fn and converts a panic into a *PanicError.
func Guard(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// IsCancellation reports whether err is the result of ctx being cancelled
// rather than a failure of its own.
func IsCancellation(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
