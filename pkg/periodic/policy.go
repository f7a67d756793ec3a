package periodic

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailurePolicy decides what a failing iteration does to the scheduler.
type FailurePolicy int

const (
	// CrashApplication escalates the first failing iteration like any other
	// runtime fault of a critical task: the process is terminated.
	CrashApplication FailurePolicy = 1

	// RetryLater logs the failure and runs the next iteration after the
	// usual interval.
	RetryLater FailurePolicy = 5
)

func (p FailurePolicy) String() string {
	switch p {
	case CrashApplication:
		return "crash_application"
	case RetryLater:
		return "retry_later"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseFailurePolicy accepts "crash", "crash_application", "retry" and
// "retry_later" in any case, with '-' or '_' separators.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch norm {
	case "crash", "crash_application", "crashapplication":
		return CrashApplication, nil
	case "retry", "retry_later", "retrylater":
		return RetryLater, nil
	default:
		return 0, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Schedule is the fixed cadence and failure policy of a scheduler.
type Schedule struct {
	// Interval is the pause between the end of one iteration and the start
	// of the next.
	Interval time.Duration
	Policy   FailurePolicy
}

var (
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrInvalidPolicy   = errors.New("unknown failure policy")
)

// Validate checks the schedule is usable.
func (s Schedule) Validate() error {
	var errs []error
	if s.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidInterval, s.Interval))
	}
	if s.Policy != CrashApplication && s.Policy != RetryLater {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidPolicy, s.Policy))
	}
	return errors.Join(errs...)
}

func (s Schedule) String() string {
	return fmt.Sprintf("every %v, %s", s.Interval, s.Policy)
}
