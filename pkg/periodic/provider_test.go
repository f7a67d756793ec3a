package periodic

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/taskguard/pkg/supervisor"
)

func TestRegistryProvider_ResolvesLazily(t *testing.T) {
	registry := NewRegistry()
	provider := registry.Provider("reporter")

	if provider.CanProvide() {
		t.Fatal("expected CanProvide to be false before registration")
	}
	if _, err := provider.Provide(); !errors.Is(err, ErrCannotProvide) {
		t.Fatalf("expected ErrCannotProvide, got %v", err)
	}

	registry.Register("reporter", func() (supervisor.Task, error) {
		return supervisor.TaskFunc(func(ctx context.Context) error { return nil }), nil
	})

	if !provider.CanProvide() {
		t.Fatal("expected CanProvide to be true after registration")
	}
	first, err := provider.Provide()
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
	second, err := provider.Provide()
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
	if first == nil || second == nil {
		t.Fatal("expected non-nil tasks")
	}
}

func TestRegistryProvider_FactoryErrors(t *testing.T) {
	registry := NewRegistry()
	registry.Register("broken", func() (supervisor.Task, error) {
		return nil, errors.New("no database")
	})
	registry.Register("empty", func() (supervisor.Task, error) {
		return nil, nil
	})

	_, err := registry.Provider("broken").Provide()
	if err == nil || !strings.Contains(err.Error(), "failed to create broken") {
		t.Errorf("expected wrapped factory error, got %v", err)
	}

	_, err = registry.Provider("empty").Provide()
	if !errors.Is(err, ErrCannotProvide) {
		t.Errorf("expected ErrCannotProvide for a nil task, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		registry.Register(name, func() (supervisor.Task, error) { return nil, nil })
	}

	got := strings.Join(registry.Names(), ",")
	if got != "alpha,mid,zeta" {
		t.Errorf("expected sorted names, got %s", got)
	}
}

func TestFactory_Nil(t *testing.T) {
	var f Factory
	if f.CanProvide() {
		t.Error("nil factory must not provide")
	}
	if _, err := f.Provide(); !errors.Is(err, ErrCannotProvide) {
		t.Errorf("expected ErrCannotProvide, got %v", err)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    FailurePolicy
		wantErr bool
	}{
		{"crash", CrashApplication, false},
		{"CrashApplication", CrashApplication, false},
		{"crash-application", CrashApplication, false},
		{"retry", RetryLater, false},
		{" Retry_Later ", RetryLater, false},
		{"sometimes", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFailurePolicy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFailurePolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFailurePolicy(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFailurePolicyValues(t *testing.T) {
	if CrashApplication != 1 || RetryLater != 5 {
		t.Errorf("policy values changed: crash=%d retry=%d", CrashApplication, RetryLater)
	}
	if CrashApplication.String() != "crash_application" || RetryLater.String() != "retry_later" {
		t.Errorf("unexpected names %s, %s", CrashApplication, RetryLater)
	}
}

func TestScheduleValidate(t *testing.T) {
	if err := (Schedule{Interval: time.Second, Policy: RetryLater}).Validate(); err != nil {
		t.Errorf("expected valid schedule, got %v", err)
	}

	err := Schedule{Interval: 0, Policy: FailurePolicy(9)}.Validate()
	if !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("expected ErrInvalidInterval, got %v", err)
	}
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
}
