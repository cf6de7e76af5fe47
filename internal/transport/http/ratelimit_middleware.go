package http

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RequestRateLimiter manages per-caller token buckets for the HTTP surface.
// Authenticated requests are keyed by actor id so a chatty classroom tablet
// cannot starve other callers behind the same school NAT; unauthenticated
// requests fall back to the remote address.
type RequestRateLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
}

// client tracks the limiter and last seen time for one caller key.
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRequestRateLimiter creates a limiter allowing rps requests per second
// with the given burst per caller.
func NewRequestRateLimiter(rps int, burst int) *RequestRateLimiter {
	rl := &RequestRateLimiter{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.cleanupClients()
	return rl
}

func (rl *RequestRateLimiter) getClient(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, exists := rl.clients[key]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.clients[key] = &client{limiter, time.Now()}
		return limiter
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// cleanupClients removes stale entries to prevent memory leaks. Checks every
// minute, removes entries idle longer than 3 minutes.
func (rl *RequestRateLimiter) cleanupClients() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for key, c := range rl.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a handler that enforces the per-caller limit. It must
// run after AuthMiddleware to see the actor key.
func (rl *RequestRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if actor, ok := ActorFromContext(r.Context()); ok {
			key = actor.ID.String()
		}
		if !rl.getClient(key).Allow() {
			httpRequestsThrottled.Inc()
			http.Error(w, "Too many requests, slow down", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
