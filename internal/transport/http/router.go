package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the wiring for the HTTP surface.
type RouterConfig struct {
	JWTAccessSecret string
	RateRPS         int
	RateBurst       int
	RequestTimeout  time.Duration
}

// NewRouter assembles the chi router: liveness and metrics stay open,
// everything else sits behind authentication and the per-caller limiter.
func NewRouter(cfg RouterConfig, messages *MessageHandler, emergencies *EmergencyHandler, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(chimiddleware.Timeout(timeout))
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	limiter := NewRequestRateLimiter(cfg.RateRPS, cfg.RateBurst)
	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(AuthMiddleware(cfg.JWTAccessSecret, logger))
		v1.Use(limiter.Middleware)
		messages.RegisterRoutes(v1)
		emergencies.RegisterRoutes(v1)
	})

	return r
}
