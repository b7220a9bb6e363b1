/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for dashboards
  5. RateLimit:  Per-client-IP token bucket (429 when exhausted)

ROUTE GROUPS:
  /api/entities/*   Units and attachments, derived state, timelines
  /api/events/*     Submission and approval lifecycle
  /api/sync         Full reconciliation, scheduled run history
  /api/scenarios/*  Demo data
  /api/retries      Retry queue inspection
  /api/audit        Audit trail
  /api/changes      Change feed polling

SECURITY NOTE:
  No authentication middleware. Actor ids are taken from request bodies.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RouterOptions configures the middleware stack. A zero RateLimit
// disables rate limiting.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimit      float64
	Burst          int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if opts.RateLimit > 0 {
		r.Use(RateLimit(rate.Limit(opts.RateLimit), opts.Burst))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/entities", func(r chi.Router) {
			r.Get("/", h.ListEntities)
			r.Post("/", h.RegisterEntity)
			r.Get("/{id}", h.GetEntity)
			r.Get("/{id}/state", h.GetState)
			r.Get("/{id}/events", h.GetEvents)
			r.Post("/{id}/sync", h.SyncEntity)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.SubmitEvent)
			r.Get("/pending", h.ListPending)
			r.Get("/{id}", h.GetEvent)
			r.Post("/{id}/approve", h.ApproveEvent)
			r.Post("/{id}/reject", h.RejectEvent)
		})

		r.Post("/sync", h.SyncAll)
		r.Get("/sync/runs", h.SyncRuns)
		r.Get("/retries", h.ListRetries)
		r.Get("/audit", h.ListAudit)
		r.Get("/changes", h.ListChanges)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// limiterIdle is how long a client IP keeps its bucket without requests.
const limiterIdle = 10 * time.Minute

// ipLimiter keeps one token bucket per client IP. Buckets of IPs that
// stay quiet for the idle period are evicted, so the set of tracked
// clients stays bounded by recent traffic.
type ipLimiter struct {
	ips *cache.Cache
	r   rate.Limit
	b   int
}

func newIPLimiter(r rate.Limit, burst int, idle time.Duration) *ipLimiter {
	return &ipLimiter{ips: cache.New(idle, 2*idle), r: r, b: burst}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	if v, ok := l.ips.Get(ip); ok {
		l.ips.SetDefault(ip, v)
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(l.r, l.b)
	if err := l.ips.Add(ip, limiter, cache.DefaultExpiration); err != nil {
		// lost the race to another request from the same IP
		if v, ok := l.ips.Get(ip); ok {
			return v.(*rate.Limiter)
		}
		l.ips.SetDefault(ip, limiter)
	}
	return limiter
}

// RateLimit is a middleware for IP-based rate limiting.
func RateLimit(r rate.Limit, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = 1
	}
	limiter := newIPLimiter(r, burst, limiterIdle)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.get(clientIP(req)).Allow() {
				writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
