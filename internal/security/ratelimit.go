package security

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-client limits for the relay endpoint
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// ClientLimiter keeps one token bucket per client key
type ClientLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger

	mu      sync.Mutex
	clients map[string]*clientBucket

	stop     chan struct{}
	stopOnce sync.Once
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates the limiter and starts its idle-bucket sweeper
func NewClientLimiter(config *RateLimitConfig, logger *logrus.Logger) *ClientLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerMinute
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 10 * time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	cl := &ClientLimiter{
		config:  config,
		logger:  logger,
		clients: make(map[string]*clientBucket),
		stop:    make(chan struct{}),
	}
	go cl.sweep()
	return cl
}

// Allow takes a token for key. When denied it returns how long to wait.
func (cl *ClientLimiter) Allow(key string) (bool, time.Duration) {
	if !cl.config.Enabled {
		return true, 0
	}

	now := time.Now()
	cl.mu.Lock()
	b, ok := cl.clients[key]
	if !ok {
		limit := rate.Limit(float64(cl.config.RequestsPerMinute) / 60)
		b = &clientBucket{limiter: rate.NewLimiter(limit, cl.config.BurstSize)}
		cl.clients[key] = b
	}
	b.lastSeen = now
	cl.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware answers 429 with Retry-After when the caller's bucket is empty
func (cl *ClientLimiter) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			allowed, retryAfter := cl.Allow(k)
			if !allowed {
				cl.logger.WithFields(logrus.Fields{
					"client":      maskKey(k),
					"path":        r.URL.Path,
					"retry_after": retryAfter,
				}).Warn("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by principal when authenticated, otherwise by IP
func ClientKey(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return p.ID
	}
	return ClientIP(r)
}

// Len reports the number of tracked clients
func (cl *ClientLimiter) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.clients)
}

func (cl *ClientLimiter) sweep() {
	ticker := time.NewTicker(cl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.evictIdle(time.Now())
		case <-cl.stop:
			return
		}
	}
}

func (cl *ClientLimiter) evictIdle(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	removed := 0
	for key, b := range cl.clients {
		if now.Sub(b.lastSeen) > cl.config.IdleTimeout {
			delete(cl.clients, key)
			removed++
		}
	}
	if removed > 0 {
		cl.logger.WithField("removed_clients", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (cl *ClientLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}
