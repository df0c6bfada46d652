package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a token bucket refilled at RequestsPerMinute.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

func (l RateLimit) limiter() *rate.Limiter {
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.RequestsPerMinute/60), burst)
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter keeps one bucket per (limit name, client) pair. Buckets idle
// for longer than idleTTL are swept lazily.
type RateLimiter struct {
	logger    *slog.Logger
	limits    map[string]RateLimit
	idleTTL   time.Duration
	clockNow  func() time.Time
	clientKey func(*http.Request) string

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:    logger,
		limits:    limits,
		idleTTL:   5 * time.Minute,
		clockNow:  time.Now,
		clientKey: clientID,
		buckets:   make(map[string]*bucket),
	}
}

// Middleware applies the limit registered under name. Unknown or
// non-positive limits admit everything.
func (r *RateLimiter) Middleware(name string) func(http.Handler) http.Handler {
	limit, ok := r.limits[name]
	return func(next http.Handler) http.Handler {
		if !ok || limit.RequestsPerMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := name + "|" + r.clientKey(req)
			lim := r.bucketFor(id, limit)
			if !lim.Allow() {
				wait := time.Duration(float64(time.Second) / float64(lim.Limit()))
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				r.logger.Debug("rate limited",
					slog.String("client", id),
					slog.String("request_id", RequestIDFrom(req.Context())))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) bucketFor(id string, limit RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	if now.Sub(r.lastSweep) >= r.idleTTL/2 {
		for key, b := range r.buckets {
			if now.Sub(b.seen) > r.idleTTL {
				delete(r.buckets, key)
			}
		}
		r.lastSweep = now
	}
	b, ok := r.buckets[id]
	if !ok {
		b = &bucket{limiter: limit.limiter()}
		r.buckets[id] = b
	}
	b.seen = now
	return b.limiter
}

// clientID prefers proxy headers and falls back to the peer address.
func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
