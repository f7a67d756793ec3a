package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/supervisor"
)

// DefaultLimiterTTL is how long an idle client keeps its bucket.
const DefaultLimiterTTL = 10 * time.Minute

// Limiter keeps one token bucket per client key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a new rate limiter
// rps: requests per second
// burst: maximum burst size
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// GetLimiter returns a rate limiter for the given key
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.GetLimiter(key).Allow()
}

// Cleanup drops limiters not used within maxAge and returns how many went.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware creates an HTTP middleware for rate limiting
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Sweeper returns a RetryLater scheduler that drops buckets idle for maxAge,
// checking every maxAge/2.
func (l *Limiter) Sweeper(maxAge time.Duration, logger *logging.Logger) (*periodic.Scheduler, error) {
	if logger == nil {
		logger = logging.Default()
	}
	sweep := periodic.Factory(func() (supervisor.Task, error) {
		return supervisor.TaskFunc(func(ctx context.Context) error {
			if removed := l.Cleanup(maxAge); removed > 0 {
				logger.Debug(fmt.Sprintf("[RateLimit] Removed %d idle clients", removed), map[string]interface{}{
					"remaining": l.Len(),
				})
			}
			return nil
		}), nil
	})
	return periodic.New("api-limiter-cleanup", sweep,
		periodic.Schedule{Interval: maxAge / 2, Policy: periodic.RetryLater},
		periodic.WithLogger(logger),
		periodic.WithErrorHandler(func(err error) {
			logger.Error("[RateLimit] Cleanup stopped", map[string]interface{}{"error": err.Error()})
		}),
	)
}

// IPKeyFunc keys clients by the remote host of the connection.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedKeyFunc uses the first X-Forwarded-For address. Only use it behind
// a proxy that overwrites the header; clients can set it to anything.
func ForwardedKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return IPKeyFunc(r)
}
