// Package api serves a read-only HTTP view of the supervised tasks.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/metrics"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/store"
	"github.com/psantana5/taskguard/pkg/supervisor"
	tlsutil "github.com/psantana5/taskguard/pkg/tls"
	"github.com/psantana5/taskguard/pkg/tracing"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

// Task is what the API can observe about a scheduled task.
type Task interface {
	Name() string
	State() supervisor.State
	Phase() periodic.Phase
	Stats() periodic.Stats
	Schedule() periodic.Schedule
}

// Config configures the HTTP server. A zero RateLimitRPS disables rate
// limiting; an empty APIKeyHash disables authentication. TLS is enabled when
// both TLSCert and TLSKey are set.
type Config struct {
	Listen       string
	APIKeyHash   string
	RateLimitRPS float64
	Burst        int
	TLSCert      string
	TLSKey       string
	ClientCA     string // require client certificates signed by this CA
	// TrustProxy keys rate limits by X-Forwarded-For instead of the peer.
	TrustProxy bool
	// LimiterTTL is how long an idle client's bucket is kept. Defaults to
	// DefaultLimiterTTL.
	LimiterTTL time.Duration
}

// TaskStatus is the JSON form of a Task.
type TaskStatus struct {
	Name     string         `json:"name"`
	State    string         `json:"state"`
	Phase    string         `json:"phase"`
	Interval string         `json:"interval"`
	Policy   string         `json:"policy"`
	Stats    periodic.Stats `json:"stats"`
}

// Server is a host service exposing task status.
type Server struct {
	cfg       Config
	logger    *logging.Logger
	runs      store.Store
	collector *metrics.Collector
	tracer    *tracing.Provider
	limiter   *Limiter
	sweeper   *periodic.Scheduler
	auth      *KeyAuth
	tlsConfig *tls.Config
	startedAt time.Time

	mu    sync.RWMutex
	tasks map[string]Task

	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithStore enables /tasks/{name}/runs.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.runs = st }
}

// WithCollector enables /metrics and request metrics.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

func WithTracing(p *tracing.Provider) Option {
	return func(s *Server) { s.tracer = p }
}

func NewServer(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		tasks:     make(map[string]Task),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithField("component", "api")

	if cfg.RateLimitRPS > 0 {
		ttl := cfg.LimiterTTL
		if ttl <= 0 {
			ttl = DefaultLimiterTTL
		}
		s.limiter = NewLimiter(cfg.RateLimitRPS, cfg.Burst)
		sweeper, err := s.limiter.Sweeper(ttl, s.logger)
		if err != nil {
			return nil, err
		}
		s.sweeper = sweeper
	}
	if cfg.APIKeyHash != "" {
		auth, err := NewKeyAuth(cfg.APIKeyHash)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}
	if cfg.TLSCert != "" || cfg.TLSKey != "" {
		tlsConfig, err := tlsutil.ServerConfig(cfg.TLSCert, cfg.TLSKey, cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
		s.tlsConfig = tlsConfig
	}
	return s, nil
}

// AddTask makes t visible under its name.
func (s *Server) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name()] = t
}

func (s *Server) task(name string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	return t, ok
}

// Handler builds the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)

	r.Use(requestID)
	if s.tracer != nil {
		r.Use(tracing.HTTPMiddleware(s.tracer))
	}
	if s.limiter != nil {
		keyFunc := IPKeyFunc
		if s.cfg.TrustProxy {
			keyFunc = ForwardedKeyFunc
		}
		r.Use(s.limiter.Middleware(keyFunc))
	}
	if s.auth != nil {
		r.Use(s.auth.Middleware("/health"))
	}
	return r
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.Handle("/health", s.instrument("health", s.Health)).Methods("GET")
	r.Handle("/tasks", s.instrument("tasks", s.ListTasks)).Methods("GET")
	r.Handle("/tasks/{name}", s.instrument("task", s.GetTask)).Methods("GET")
	r.Handle("/tasks/{name}/runs", s.instrument("runs", s.ListRuns)).Methods("GET")
	if s.collector != nil {
		r.Handle("/metrics", s.collector.Handler()).Methods("GET")
	}
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	if s.collector == nil {
		return h
	}
	return s.collector.Middleware(route, h)
}

// Health returns the health status of the daemon
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	faulted := 0
	for _, t := range s.tasks {
		if st := t.State(); st == supervisor.StateFaulted || st == supervisor.StateFaultedSync {
			faulted++
		}
	}
	count := len(s.tasks)
	s.mu.RUnlock()

	status, code := "healthy", http.StatusOK
	if faulted > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"tasks":   count,
		"faulted": faulted,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// ListTasks returns every task sorted by name
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		statuses = append(statuses, statusOf(t))
	}
	s.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": statuses,
		"count": len(statuses),
	})
}

// GetTask returns one task
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.task(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, statusOf(t))
}

// ListRuns returns the latest recorded iterations of a task
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.task(name); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusNotImplemented, "Run history is not enabled")
		return
	}

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.ListRuns(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("[API] Failed to list runs", map[string]interface{}{"task": name, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":  name,
		"runs":  runs,
		"count": len(runs),
	})
}

// Start binds the listener so that a bad address fails startup, then
// serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	if s.sweeper != nil {
		if err := s.sweeper.Start(ctx); err != nil {
			ln.Close()
			return fmt.Errorf("failed to start limiter cleanup: %w", err)
		}
	}
	scheme := "http"
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
		scheme = "https"
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = ln
	s.httpServer = srv
	s.serveErr = make(chan error, 1)

	s.logger.Info(fmt.Sprintf("[API] Listening on %s://%s", scheme, ln.Addr()))
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("[API] Server error", map[string]interface{}{"error": err.Error()})
		}
		s.serveErr <- err
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("[API] Stopping HTTP server...")
	srv := s.httpServer
	s.httpServer = nil
	if s.sweeper != nil {
		if err := s.sweeper.Stop(ctx); err != nil {
			s.logger.Warn("[API] Limiter cleanup did not stop", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}
	return <-s.serveErr
}

func statusOf(t Task) TaskStatus {
	sched := t.Schedule()
	return TaskStatus{
		Name:     t.Name(),
		State:    t.State().String(),
		Phase:    t.Phase().String(),
		Interval: sched.Interval.String(),
		Policy:   sched.Policy.String(),
		Stats:    t.Stats(),
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
