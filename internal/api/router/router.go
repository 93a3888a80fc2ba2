package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oberoende/clinic-assistant/internal/appointments"
	httpmiddleware "github.com/oberoende/clinic-assistant/internal/http/middleware"
	"github.com/oberoende/clinic-assistant/internal/messaging"
	"github.com/oberoende/clinic-assistant/internal/scheduler"
	"github.com/oberoende/clinic-assistant/internal/users"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	MessagingHandler    *messaging.Handler
	SchedulerHandler    *scheduler.Handler
	AppointmentsHandler *appointments.Handler
	UsersHandler        *users.Handler
	MetricsHandler      http.Handler
	AdminAuthSecret     string
	CORSAllowedOrigins  []string
	WebhookRatePerSec   float64
	WebhookRateBurst    int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", cfg.MessagingHandler.HealthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}

		// Calendly must always be acknowledged, so it stays out of the limiter.
		if cfg.SchedulerHandler != nil {
			public.Post("/calendly_webhook", cfg.SchedulerHandler.CalendlyWebhook)
		}

		public.Group(func(hooks chi.Router) {
			hooks.Use(httpmiddleware.RateLimit(cfg.WebhookRatePerSec, cfg.WebhookRateBurst))
			hooks.Post("/whatsapp_webhook", cfg.MessagingHandler.WhatsAppWebhook)
			hooks.Post("/messaging/twilio/webhook", cfg.MessagingHandler.WhatsAppWebhook)
		})
	})

	// Staff REST API, guarded by the admin JWT when a secret is configured.
	r.Group(func(staff chi.Router) {
		if cfg.AdminAuthSecret != "" {
			staff.Use(httpmiddleware.StaffAuth(cfg.AdminAuthSecret))
		}
		if cfg.AppointmentsHandler != nil {
			staff.Route("/appointments", cfg.AppointmentsHandler.Routes)
		}
		if cfg.UsersHandler != nil {
			staff.Get("/users/profile", cfg.UsersHandler.Profile)
		}
	})

	return r
}
