package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client IP.
type clientLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClientLimiter returns nil when perSec is not positive, which disables limiting.
func newClientLimiter(perSec float64, burst int, now func() time.Time) *clientLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &clientLimiter{
		limit:   rate.Limit(perSec),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     now,
		clients: make(map[string]*limiterEntry),
	}
}

// Allow takes a token for ip. When none is available it returns the wait
// until the next one.
func (cl *clientLimiter) Allow(ip string) (bool, time.Duration) {
	if cl == nil {
		return true, 0
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	if now.Sub(cl.lastSweep) > cl.idle {
		cl.sweep(now)
	}

	e, ok := cl.clients[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[ip] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (cl *clientLimiter) sweep(now time.Time) {
	for ip, e := range cl.clients {
		if now.Sub(e.lastSeen) > cl.idle {
			delete(cl.clients, ip)
		}
	}
	cl.lastSweep = now
}

func (cl *clientLimiter) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.clients)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
