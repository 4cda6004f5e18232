package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/booking"
	"github.com/hackgods/clinic-appointment-core/internal/feed"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

type RouterConfig struct {
	Service     *appointment.Service
	Coordinator *booking.Coordinator
	Hub         *feed.Hub
	Logger      *logging.Logger
	Metrics     http.Handler // nil disables /metrics
	PgPool      *pgxpool.Pool
	Redis       *redis.Client
	Store       string
	Env         string
	Version     string

	RequestTimeout   time.Duration
	BookingRateLimit float64 // <= 0 disables limiting
	BookingBurst     int
	Now              func() time.Time
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	schedule := cfg.Coordinator.Schedule()

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoverMiddleware(logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Store, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// The feed socket outlives any request deadline
	r.Get("/feed/ws", feedHandler(cfg.Hub, cfg.Service, schedule, now, logger))

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}

		r.Get("/slots", availableSlotsHandler(cfg.Coordinator, now))
		r.Get("/dashboard", dashboardHandler(cfg.Service, schedule, now))

		r.Route("/appointments", func(r chi.Router) {
			r.With(bookingLimiter(cfg)...).Post("/", createAppointmentHandler(cfg.Coordinator))
			r.Get("/", listAppointmentsHandler(cfg.Service, schedule, now))
			r.Get("/{id}", getAppointmentHandler(cfg.Service))
			r.Patch("/{id}/status", updateStatusHandler(cfg.Service))
			r.Post("/{id}/confirm", confirmAppointmentHandler(cfg.Service))
		})

		r.Patch("/patients/{id}/registration", updateRegistrationHandler(cfg.Service))
	})

	return r
}

func bookingLimiter(cfg RouterConfig) []func(http.Handler) http.Handler {
	if cfg.BookingRateLimit <= 0 {
		return nil
	}
	burst := cfg.BookingBurst
	if burst <= 0 {
		burst = 1
	}
	return []func(http.Handler) http.Handler{
		RateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.BookingRateLimit), burst)),
	}
}
