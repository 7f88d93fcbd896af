package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-calendar/internal/appointment"
)

// AppointmentService is the part of *appointment.Service the HTTP layer uses.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, a appointment.Appointment, opts appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status appointment.AppointmentStatus) (*appointment.Appointment, error)
	CheckConflicts(ctx context.Context, a appointment.Appointment, start time.Time) ([]appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time, version int) (*appointment.Appointment, error)
	Resize(ctx context.Context, id uuid.UUID, minutes int, version int) (*appointment.Appointment, error)
	DetachOccurrence(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (*appointment.Appointment, error)
	ListTherapistAppointments(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error)
	CreateSeries(ctx context.Context, template appointment.Appointment, pattern appointment.RecurrencePattern) (*appointment.SeriesResult, error)
	PreviewSeries(template appointment.Appointment, pattern appointment.RecurrencePattern, from, to time.Time) ([]appointment.Interval, error)
}

type RouterConfig struct {
	Service AppointmentService
	DB      Pinger
	Redis   *redis.Client // nil when the distributed lock is disabled
	Metrics http.Handler  // defaults to promhttp.Handler()
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	var cache Pinger
	if cfg.Redis != nil {
		cache = redisPinger{cfg.Redis}
	}
	health := NewHealthHandler(cfg.DB, cache, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Service))
		r.Get("/{id}", getAppointmentHandler(cfg.Service))
		r.Delete("/{id}", deleteAppointmentHandler(cfg.Service))
		r.Post("/{id}/status", updateStatusHandler(cfg.Service))
		r.Post("/{id}/reschedule", rescheduleHandler(cfg.Service))
		r.Post("/{id}/resize", resizeHandler(cfg.Service))
		r.Post("/{id}/detach", detachHandler(cfg.Service))
	})
	r.Post("/conflicts/check", checkConflictsHandler(cfg.Service))
	r.Get("/therapists/{id}/appointments", listTherapistAppointmentsHandler(cfg.Service))
	r.Post("/series", createSeriesHandler(cfg.Service))
	r.Post("/series/preview", previewSeriesHandler(cfg.Service))

	return r
}
