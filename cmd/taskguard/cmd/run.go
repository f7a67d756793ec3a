package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/psantana5/taskguard/internal/config"
	"github.com/psantana5/taskguard/internal/tasks"
	"github.com/psantana5/taskguard/pkg/api"
	"github.com/psantana5/taskguard/pkg/host"
	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/metrics"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/store"
	"github.com/psantana5/taskguard/pkg/terminator"
	"github.com/psantana5/taskguard/pkg/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured tasks until shutdown",
	Long: `Starts the run store, tracing, the HTTP API and one scheduler per configured
task, then blocks until SIGINT/SIGTERM or until a task escalates a failure.
An escalation stops every service and exits with host.exit_code.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	d, err := newDaemon(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return d.run(cmd.Context())
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if cfg.Log.ToFile {
		return logging.NewFileLogger("taskguard", cfg.LogLevel(), cfg.Log.JSON)
	}
	return logging.NewLogger(cfg.LogLevel(), cfg.Log.JSON), nil
}

// daemon is everything `taskguard run` wires into the host.
type daemon struct {
	cfg        *config.Config
	logger     *logging.Logger
	host       *host.Host
	store      store.Store
	collector  *metrics.Collector
	tracer     *tracing.Provider
	server     *api.Server
	schedulers []*periodic.Scheduler
}

// openStore is replaced in tests.
var openStore = store.Open

// newDaemon builds the host. Services are registered so that the store
// outlives everything that writes to it.
func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*daemon, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	shutdownTimeout, err := cfg.ShutdownTimeout()
	if err != nil {
		return nil, err
	}
	limiterTTL, err := cfg.API.LimiterTimeout()
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		host:      host.New(host.Config{ShutdownTimeout: shutdownTimeout}, logger),
		collector: metrics.NewCollector(),
	}
	if err := d.build(ctx, limiterTTL); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build(ctx context.Context, limiterTTL time.Duration) error {
	cfg := d.cfg
	var err error

	d.store, err = openStore(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	if err := d.host.Add("store", host.Closer(d.store)); err != nil {
		return err
	}

	d.tracer, err = tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version.Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
	}, d.logger)
	if err != nil {
		return err
	}
	if err := d.host.Add("tracing", host.ServiceFunc{StopFunc: d.tracer.Shutdown}); err != nil {
		return err
	}

	if cfg.API.Enabled {
		d.server, err = api.NewServer(api.Config{
			Listen:       cfg.API.Listen,
			APIKeyHash:   cfg.API.APIKeyHash,
			RateLimitRPS: cfg.API.RateLimitRPS,
			Burst:        cfg.API.Burst,
			TLSCert:      cfg.API.TLSCert,
			TLSKey:       cfg.API.TLSKey,
			ClientCA:     cfg.API.ClientCA,
			TrustProxy:   cfg.API.TrustProxy,
			LimiterTTL:   limiterTTL,
		},
			api.WithLogger(d.logger),
			api.WithStore(d.store),
			api.WithCollector(d.collector),
			api.WithTracing(d.tracer),
		)
		if err != nil {
			return err
		}
		if err := d.host.Singleton("api", d.server); err != nil {
			return err
		}
	}

	return d.addTasks()
}

// release closes what build opened. The host never started, so nothing
// else will.
func (d *daemon) release() {
	if d.tracer != nil {
		if err := d.tracer.Shutdown(context.Background()); err != nil {
			d.logger.Warn("[Tracing] Shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("[Store] Close failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (d *daemon) addTasks() error {
	registry := periodic.NewRegistry()
	kinds := tasks.NewKinds()
	deps := tasks.Deps{Logger: d.logger, Stats: d.collector}
	escalate := d.collector.CountTerminations(d.host.Terminator())

	for _, tc := range d.cfg.Tasks {
		if err := kinds.Install(registry, tc.Name, tc.Kind, tasks.Options(tc.Options), deps); err != nil {
			return err
		}
		schedule, err := tc.Schedule()
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.Name, err)
		}
		s, err := periodic.New(tc.Name, registry.Provider(tc.Name), schedule,
			periodic.WithLogger(d.logger),
			periodic.WithMetrics(d.collector),
			periodic.WithTracer(d.tracer.Tracer()),
			periodic.WithRecorder(d.store),
			periodic.WithTerminator(escalate),
		)
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.Name, err)
		}
		if err := d.host.Add("task/"+tc.Name, s); err != nil {
			return err
		}
		if d.server != nil {
			d.server.AddTask(s)
		}
		d.schedulers = append(d.schedulers, s)
	}
	return nil
}

// run blocks until shutdown. A shutdown caused by an escalated task is
// reported as an exitError carrying host.exit_code.
func (d *daemon) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.logger.Info(fmt.Sprintf("Starting taskguard %s with %d tasks", version.Version, len(d.schedulers)))

	err := d.host.Run(ctx)
	if d.host.TerminationRequested() {
		if err != nil {
			d.logger.Error("Errors during shutdown", map[string]interface{}{"error": err.Error()})
		}
		code := d.cfg.Host.ExitCode
		if code == 0 {
			code = terminator.DefaultExitCode
		}
		return &exitError{code: code, err: errors.New("shut down after a critical task failed")}
	}
	return err
}
