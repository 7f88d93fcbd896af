package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTherapistNotFound   = errors.New("therapist not found")
	ErrServiceNotFound     = errors.New("service not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSeriesNotFound      = errors.New("recurrence series not found")
	ErrVersionConflict     = errors.New("appointment was modified concurrently")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetTherapistByID(ctx context.Context, id uuid.UUID) (*Therapist, error)
	GetServiceByID(ctx context.Context, id uuid.UUID) (*Offering, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// For conflict checks. Returns every booking of the therapist that
	// intersects [from, to), cancelled ones included.
	ListByTherapistInRange(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]Appointment, error)

	// Creation and updates
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	CreateAppointments(ctx context.Context, list []Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	// DetachOccurrence saves an edited occurrence and excludes originalStart's
	// date from its series in one transaction. A missing series is ignored.
	DetachOccurrence(ctx context.Context, a *Appointment, originalStart time.Time) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Recurrence
	CreateSeries(ctx context.Context, s *Series) error
	GetSeriesByID(ctx context.Context, id uuid.UUID) (*Series, error)
	ListActiveSeries(ctx context.Context) ([]Series, error)
	UpdateSeriesPattern(ctx context.Context, id uuid.UUID, p RecurrencePattern) error
	MarkSeriesMaterialized(ctx context.Context, id uuid.UUID, until time.Time) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
