package middlewares

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"metarelay/config"

	"golang.org/x/time/rate"
)

const (
	clientIdleTimeout = 3 * time.Minute
	cleanupInterval   = time.Minute
)

// RateLimiter defines a rate limiter for each client IP.
type RateLimiter struct {
	limiter  *rate.Limiter
	lastSeen int64 // Unix timestamp for thread-safe updates
}

// IPRateLimiter keeps one token bucket per client IP. Idle clients are
// dropped lazily while serving requests.
type IPRateLimiter struct {
	cfg         config.RateLimiting
	mu          sync.RWMutex
	clients     map[string]*RateLimiter
	lastCleanup int64
	now         func() time.Time
}

// NewIPRateLimiter creates an empty limiter store for cfg.
func NewIPRateLimiter(cfg config.RateLimiting) *IPRateLimiter {
	return &IPRateLimiter{
		cfg:     cfg,
		clients: make(map[string]*RateLimiter),
		now:     time.Now,
	}
}

// RateLimiterMiddleware manages the rate limiting for each IP address.
//
// Parameters:
// - next: The next http.Handler to be called if the request is allowed.
// - store: The per-IP limiter store.
// - logger: The logger used to log messages.
//
// Returns:
// - http.Handler: A handler that applies rate limiting based on the provided configuration.
func RateLimiterMiddleware(next http.Handler, store *IPRateLimiter, logger *slog.Logger) http.Handler {
	middlewareType := "RateLimiterMiddleware"
	if !store.cfg.Enabled {
		logger.Debug(fmt.Sprintf("[%s] Rate limiting is disabled", middlewareType))
		return next
	}
	logger.Debug(fmt.Sprintf("[%s] Rate limiting is enabled with %v requests per second and a burst of %v", middlewareType, store.cfg.RequestsPerSecond, store.cfg.Burst))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)

		if !store.Allow(ip) {
			logger.Debug(fmt.Sprintf("[%s] Rate limit exceeded for IP: %s", middlewareType, ip))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether a request from ip may proceed now.
func (s *IPRateLimiter) Allow(ip string) bool {
	s.cleanup()
	return s.getOrCreateLimiter(ip).limiter.Allow()
}

// Len returns the number of tracked clients.
func (s *IPRateLimiter) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// getOrCreateLimiter retrieves or creates a new rate limiter for the client IP.
func (s *IPRateLimiter) getOrCreateLimiter(ip string) *RateLimiter {
	s.mu.RLock()
	limiter, exists := s.clients[ip]
	s.mu.RUnlock()

	if !exists {
		s.mu.Lock()
		// Double check if the limiter was created during the RUnlock -> Lock phase
		limiter, exists = s.clients[ip]
		if !exists {
			limiter = &RateLimiter{
				limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst),
			}
			s.clients[ip] = limiter
		}
		s.mu.Unlock()
	}

	atomic.StoreInt64(&limiter.lastSeen, s.now().Unix())
	return limiter
}

// cleanup removes clients idle for longer than clientIdleTimeout, at most once per cleanupInterval.
func (s *IPRateLimiter) cleanup() {
	now := s.now().Unix()
	last := atomic.LoadInt64(&s.lastCleanup)
	if now-last < int64(cleanupInterval/time.Second) || !atomic.CompareAndSwapInt64(&s.lastCleanup, last, now) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, limiter := range s.clients {
		if now-atomic.LoadInt64(&limiter.lastSeen) > int64(clientIdleTimeout/time.Second) {
			delete(s.clients, ip)
		}
	}
}

// getClientIP extracts the client's IP address from the request, preferring
// the first X-Forwarded-For entry when the relay sits behind another proxy.
func getClientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
