package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairup-app/realtime-core/internal/middleware"
	"github.com/pairup-app/realtime-core/pkg/logger"
)

// RouterConfig holds everything the HTTP surface depends on.
type RouterConfig struct {
	Sessions          SessionProvider
	NATS              ConnectionChecker
	DB                Pinger
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Heartbeat         time.Duration
}

// NewRouter builds the chi router with health, metrics and the
// authenticated realtime API.
func NewRouter(cfg RouterConfig, log *logger.Logger) http.Handler {
	health := NewHealthHandler(cfg.NATS, cfg.DB)
	conversations := NewConversationHandler(cfg.Sessions, cfg.Heartbeat, log)
	notifications := NewNotificationHandler(cfg.Sessions, cfg.Heartbeat, log)
	ws := NewWSHandler(cfg.Sessions, cfg.Heartbeat, cfg.AllowedOrigins, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/ws", ws.Serve)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/open", conversations.Open)
			r.Post("/close", conversations.Close)
			r.Get("/messages", conversations.Messages)
			r.Post("/messages", conversations.Send)
			r.Post("/read", conversations.Read)
			r.Get("/stream", conversations.Stream)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", notifications.Counters)
			r.Post("/refresh", notifications.Refresh)
			r.Get("/stream", notifications.Stream)
			r.Post("/{category}/viewed", notifications.Viewed)
		})

		r.Post("/toast/dismiss", notifications.Dismiss)
		r.Post("/toast/tap", notifications.Tap)
	})

	return r
}
