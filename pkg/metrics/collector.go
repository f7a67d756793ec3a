package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/taskguard/pkg/supervisor"
	"github.com/psantana5/taskguard/pkg/terminator"
)

// Collector exposes supervisor and scheduler events as Prometheus metrics.
// Each Collector owns its registry so several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	starts       *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	state        *prometheus.GaugeVec
	iterations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	terminations prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpBytes    *prometheus.CounterVec
	startTime    prometheus.Gauge

	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	memoryUsed    prometheus.Gauge
}

// NewCollector creates a collector with a fresh registry that also carries
// the Go runtime, process and build info collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskguard_task_starts_total",
				Help: "Task starts by outcome",
			},
			[]string{"task", "result"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskguard_task_escalations_total",
				Help: "Runtime faults handed to the error handler",
			},
			[]string{"task"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskguard_task_state",
				Help: "1 for the current lifecycle state of each task",
			},
			[]string{"task", "state"},
		),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskguard_periodic_iterations_total",
				Help: "Periodic iterations by result",
			},
			[]string{"task", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskguard_periodic_iteration_duration_seconds",
				Help:    "Duration of periodic iterations",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"task"},
		),
		terminations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskguard_termination_requests_total",
				Help: "Application termination requests",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskguard_http_requests_total",
				Help: "HTTP requests served by the API",
			},
			[]string{"method", "route", "status"},
		),
		httpBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskguard_http_response_bytes_total",
				Help: "Total bytes sent in HTTP responses",
			},
			[]string{"method", "route"},
		),
		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskguard_start_time_seconds",
				Help: "Unix time the collector was created",
			},
		),
		cpuPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskguard_host_cpu_usage_percent",
				Help: "Host CPU usage sampled by the sysstats task",
			},
		),
		memoryPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskguard_host_memory_usage_percent",
				Help: "Host memory usage sampled by the sysstats task",
			},
		),
		memoryUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskguard_host_memory_used_bytes",
				Help: "Host memory in use sampled by the sysstats task",
			},
		),
	}

	c.registry.MustRegister(
		c.starts,
		c.escalations,
		c.state,
		c.iterations,
		c.duration,
		c.terminations,
		c.httpRequests,
		c.httpBytes,
		c.startTime,
		c.cpuPercent,
		c.memoryPercent,
		c.memoryUsed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		version.NewCollector("taskguard"),
	)
	c.startTime.Set(float64(time.Now().Unix()))

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordStart(task, result string) {
	c.starts.WithLabelValues(task, result).Inc()
}

func (c *Collector) RecordEscalation(task string) {
	c.escalations.WithLabelValues(task).Inc()
}

// RecordState sets the gauge of the new state to 1 and every other state of
// the task to 0.
func (c *Collector) RecordState(task string, state supervisor.State) {
	for _, s := range supervisor.States() {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(task, s.String()).Set(v)
	}
}

func (c *Collector) RecordIteration(task, result string, d time.Duration) {
	c.iterations.WithLabelValues(task, result).Inc()
	c.duration.WithLabelValues(task).Observe(d.Seconds())
}

func (c *Collector) RecordSystemStats(cpuPercent, memoryPercent float64, memoryUsed uint64) {
	c.cpuPercent.Set(cpuPercent)
	c.memoryPercent.Set(memoryPercent)
	c.memoryUsed.Set(float64(memoryUsed))
}

func (c *Collector) RecordTermination() {
	c.terminations.Inc()
}

// CountTerminations wraps t so every request is counted before it is passed on.
func (c *Collector) CountTerminations(t terminator.Terminator) terminator.Terminator {
	return terminator.Func(func() {
		c.RecordTermination()
		t.Shutdown()
	})
}

// Handler returns HTTP handler for Prometheus metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware counts requests and response bytes. route names the handler
// so label cardinality stays bounded.
func (c *Collector) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		c.httpRequests.WithLabelValues(r.Method, route, fmt.Sprintf("%d", rw.statusCode)).Inc()
		if rw.bytesWritten > 0 {
			c.httpBytes.WithLabelValues(r.Method, route).Add(float64(rw.bytesWritten))
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
