package server

import (
	"net/http"
	"sync"
	"time"
)

const (
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = 60 * time.Second
	rateLimitSweepBound      = 10_000
)

type ipWindow struct {
	count     int
	windowEnd time.Time
}

// RateLimiter is a per-IP fixed-window limiter protecting sensitive
// endpoints (login, token issuance). An IP's window opens at its first
// request and its count resets only once that window has ended; requests
// are not counted across a window boundary. It sweeps expired entries whenever
// the tracked-IP set exceeds a safety bound or every 2x the window,
// whichever comes first, so memory never grows unbounded under abuse.
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*ipWindow
	limit       int
	window      time.Duration
	lastSweep   time.Time
}

// NewRateLimiter builds a limiter allowing `limit` requests per `window`
// per IP. Zero values fall back to the spec default of 100 req/60s.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		windows:   make(map[string]*ipWindow),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow reports whether ip may make another request right now, advancing
// its window bookkeeping either way.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.maybeSweep(now)

	w, ok := rl.windows[ip]
	if !ok || now.After(w.windowEnd) {
		rl.windows[ip] = &ipWindow{count: 1, windowEnd: now.Add(rl.window)}
		return 1 <= rl.limit
	}
	w.count++
	return w.count <= rl.limit
}

// maybeSweep prunes expired windows when the tracked set is large or
// enough time has passed since the last sweep. Caller must hold rl.mu.
func (rl *RateLimiter) maybeSweep(now time.Time) {
	if len(rl.windows) < rateLimitSweepBound && now.Sub(rl.lastSweep) < 2*rl.window {
		return
	}
	for ip, w := range rl.windows {
		if now.After(w.windowEnd) {
			delete(rl.windows, ip)
		}
	}
	rl.lastSweep = now
}

// Middleware enforces the limiter on every request, keyed by clientIP,
// returning 429 with a Retry-After hint once the window is exhausted.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := requestIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
