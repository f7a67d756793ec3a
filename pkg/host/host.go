// Package host starts a set of named services in order and stops them in
// reverse on shutdown, a signal, or a termination request from one of them.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/terminator"
)

const DefaultShutdownTimeout = 30 * time.Second

var (
	ErrDuplicateService = errors.New("service already registered")
	ErrAlreadyStarted   = errors.New("host already started")
)

// Service is anything the host starts and stops. supervisor.Runner and
// periodic.Scheduler satisfy it.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServiceFunc builds a Service from two functions; nil functions are no-ops.
type ServiceFunc struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f ServiceFunc) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f ServiceFunc) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

// Closer adapts an io.Closer style resource to a Service that only stops.
func Closer(c interface{ Close() error }) Service {
	return ServiceFunc{StopFunc: func(context.Context) error { return c.Close() }}
}

type Config struct {
	ShutdownTimeout time.Duration
	// Signals that trigger shutdown in Run. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

type entry struct {
	name    string
	service Service
}

// Host owns a list of services and the lifetime terminator they escalate to.
type Host struct {
	cfg    Config
	logger *logging.Logger

	ctx      context.Context
	lifetime *terminator.Lifetime

	mu         sync.Mutex
	services   []entry
	singletons map[string]Service
	started    []entry
	running    bool
}

func New(cfg Config, logger *logging.Logger) *Host {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if logger == nil {
		logger = logging.Default()
	}
	ctx, lifetime := terminator.NewLifetime(context.Background())
	return &Host{
		cfg:        cfg,
		logger:     logger.WithField("component", "host"),
		ctx:        ctx,
		lifetime:   lifetime,
		singletons: make(map[string]Service),
	}
}

// Terminator returns the lifetime terminator. Wiring it into runners turns
// an escalation into an orderly shutdown of the whole host.
func (h *Host) Terminator() *terminator.Lifetime { return h.lifetime }

// Add registers a service to be started in registration order.
func (h *Host) Add(name string, svc Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addLocked(name, svc)
}

// Singleton registers svc like Add and also makes it retrievable by name.
func (h *Host) Singleton(name string, svc Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.addLocked(name, svc); err != nil {
		return err
	}
	h.singletons[name] = svc
	return nil
}

func (h *Host) addLocked(name string, svc Service) error {
	if svc == nil {
		return fmt.Errorf("service %s is nil", name)
	}
	if h.running {
		return fmt.Errorf("cannot add %s: %w", name, ErrAlreadyStarted)
	}
	for _, e := range h.services {
		if e.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateService, name)
		}
	}
	h.services = append(h.services, entry{name: name, service: svc})
	return nil
}

// Lookup returns a service registered with Singleton.
func (h *Host) Lookup(name string) (Service, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	svc, ok := h.singletons[name]
	return svc, ok
}

// Names lists registered services in start order.
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.services))
	for _, e := range h.services {
		names = append(names, e.name)
	}
	return names
}

// Start starts every service in registration order. If one fails, the ones
// already started are stopped in reverse and the error is returned.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	h.running = true
	services := append([]entry(nil), h.services...)
	h.mu.Unlock()

	for _, e := range services {
		h.logger.Info(fmt.Sprintf("[Host] Starting %s", e.name))
		if err := e.service.Start(ctx); err != nil {
			h.logger.Error(fmt.Sprintf("[Host] Failed to start %s", e.name), map[string]interface{}{
				"error": err.Error(),
			})
			if stopErr := h.Stop(context.Background()); stopErr != nil {
				h.logger.Warn("[Host] Errors while rolling back startup", map[string]interface{}{
					"error": stopErr.Error(),
				})
			}
			return fmt.Errorf("failed to start %s: %w", e.name, err)
		}
		h.mu.Lock()
		h.started = append(h.started, e)
		h.mu.Unlock()
	}

	h.logger.Info(fmt.Sprintf("[Host] Started %d services", len(services)))
	return nil
}

// Stop stops started services in reverse order (LIFO), all under one
// ShutdownTimeout deadline derived from ctx. Every failure is returned.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	started := h.started
	h.started = nil
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		e := started[i]
		h.logger.Info(fmt.Sprintf("[Host] Stopping %s...", e.name))
		if err := e.service.Stop(ctx); err != nil {
			h.logger.Error(fmt.Sprintf("[Host] Failed to stop %s", e.name), map[string]interface{}{
				"error": err.Error(),
			})
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", e.name, err))
		}
	}

	if len(errs) == 0 && len(started) > 0 {
		h.logger.Info("[Host] Graceful shutdown complete")
	}
	return errors.Join(errs...)
}

// Run starts the host and blocks until ctx is done, a shutdown signal
// arrives, or the lifetime terminator is triggered. It then stops every
// service.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, h.cfg.Signals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		h.logger.Info(fmt.Sprintf("[Host] Received signal: %v. Initiating graceful shutdown...", sig))
	case <-h.lifetime.Done():
		h.logger.Warn("[Host] Termination requested. Initiating graceful shutdown...")
	case <-ctx.Done():
		h.logger.Info("[Host] Context done. Initiating graceful shutdown...")
	}

	return h.Stop(context.Background())
}

// Context is the host's root context; it is cancelled when the lifetime
// terminator fires.
func (h *Host) Context() context.Context { return h.ctx }

// TerminationRequested reports whether a service asked the host to shut down.
func (h *Host) TerminationRequested() bool { return h.lifetime.Requested() }
