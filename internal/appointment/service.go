package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-calendar/internal/config"
	"github.com/hackgods/therapy-calendar/internal/metrics"
	redisclient "github.com/hackgods/therapy-calendar/internal/redis"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentResized     = "APPOINTMENT_RESIZED"
	EventAppointmentStatus      = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
	EventOccurrenceDetached     = "OCCURRENCE_DETACHED"
	EventSeriesCreated          = "SERIES_CREATED"
	EventSeriesMaterialized     = "SERIES_MATERIALIZED"
)

var (
	ErrCalendarBusy            = errors.New("therapist calendar is being updated, please retry")
	ErrNotDraggable            = errors.New("appointment cannot be moved")
	ErrNotResizable            = errors.New("appointment cannot be resized")
	ErrNotRecurring            = errors.New("appointment is not part of a recurring series")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

var statusTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled: {StatusCheckedIn, StatusCompleted, StatusCancelled, StatusNoShow, StatusWaitlist},
	StatusWaitlist:  {StatusScheduled, StatusCancelled},
	StatusCheckedIn: {StatusCompleted, StatusCancelled},
}

type CreateOptions struct {
	// Force saves the appointment even when it overlaps other bookings.
	Force bool
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	detector *Detector
	cfg      config.Config
	metrics  *metrics.SchedulingMetrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, m *metrics.SchedulingMetrics, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		detector: NewDetector(repo),
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "appointment_service").Logger(),
		now:      time.Now,
	}
}

// CreateAppointment books a new appointment. Validation problems are returned
// as *ValidationError. Overlapping bookings are returned as *ConflictError
// unless opts.Force is set, in which case the appointment is saved and the
// overlaps are returned alongside it.
func (s *Service) CreateAppointment(ctx context.Context, a Appointment, opts CreateOptions) (*Appointment, []Appointment, error) {
	start := s.now()

	if err := s.applyDefaults(ctx, &a); err != nil {
		return nil, nil, err
	}

	problems, err := s.validate(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	if a.CreatedBy == CreatedByPatient {
		problems = append(problems, s.patientBookingProblems(ctx, a)...)
	}
	if len(problems) > 0 {
		s.metrics.ObserveValidationFailure("create")
		return nil, nil, &ValidationError{Problems: problems}
	}

	var created *Appointment
	var conflicts []Appointment

	err = s.withLock(ctx, a.TherapistID, func(lockCtx context.Context) error {
		found, err := s.detector.CheckConflicts(lockCtx, a, a.StartTime)
		if err != nil {
			return err
		}
		conflicts = found
		s.metrics.ObserveConflicts("create", len(found))
		if len(found) > 0 && !opts.Force {
			return &ConflictError{Conflicts: found}
		}

		appt, err := s.repo.CreateAppointment(lockCtx, &a)
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		created = appt

		s.logEvent(lockCtx, appt.ID, EventAppointmentCreated, map[string]any{
			"therapist_id": appt.TherapistID.String(),
			"start_time":   appt.StartTime,
			"end_time":     appt.EndTime,
			"forced":       opts.Force && len(found) > 0,
		})
		return nil
	})
	if err != nil {
		return nil, conflicts, err
	}

	s.metrics.ObserveCommit("create", s.now().Sub(start).Seconds())
	return created, conflicts, nil
}

// CheckConflicts answers a drag-hover check: which bookings would appt
// collide with if it started at start. It reads only and takes no lock.
func (s *Service) CheckConflicts(ctx context.Context, a Appointment, start time.Time) ([]Appointment, error) {
	if a.TherapistID == uuid.Nil {
		return nil, &ValidationError{Problems: []string{"Therapist is required"}}
	}
	if !a.EndTime.After(a.StartTime) {
		return nil, &ValidationError{Problems: []string{"End time must be after start time"}}
	}

	if s.cfg.ConflictCheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConflictCheckTimeout)
		defer cancel()
	}

	conflicts, err := s.detector.CheckConflicts(ctx, a, start)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveConflicts("check", len(conflicts))
	return conflicts, nil
}

// Reschedule moves an appointment to newStart, keeping its duration. It is
// the commit behind a calendar drop. A non-zero version must match the
// stored one. Moving one occurrence of a series detaches it.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time, version int) (*Appointment, error) {
	current, err := s.load(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if !current.CanDrag() {
		return nil, ErrNotDraggable
	}

	return s.commit(ctx, "reschedule", EventAppointmentRescheduled, *current, current.MovedTo(newStart))
}

// Resize changes the length of an appointment, keeping its start.
func (s *Service) Resize(ctx context.Context, id uuid.UUID, minutes int, version int) (*Appointment, error) {
	current, err := s.load(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if !current.CanResize() {
		return nil, ErrNotResizable
	}
	if minutes <= 0 {
		s.metrics.ObserveValidationFailure("resize")
		return nil, &ValidationError{Problems: []string{"Duration must be positive"}}
	}

	return s.commit(ctx, "resize", EventAppointmentResized, *current, current.ResizedTo(minutes))
}

// DetachOccurrence edits one occurrence of a recurring series on its own. The
// occurrence becomes an exception and its original date is excluded from the
// series from now on.
func (s *Service) DetachOccurrence(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time) (*Appointment, error) {
	current, err := s.load(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if current.RecurrenceGroupID == nil {
		return nil, ErrNotRecurring
	}

	updated := *current
	updated.StartTime = newStart
	updated.EndTime = newEnd
	return s.commit(ctx, "detach", EventOccurrenceDetached, *current, updated)
}

func (s *Service) commit(ctx context.Context, op, event string, current, updated Appointment) (*Appointment, error) {
	start := s.now()

	problems, err := s.validate(ctx, updated)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		s.metrics.ObserveValidationFailure(op)
		return nil, &ValidationError{Problems: problems}
	}

	detach := current.RecurrenceGroupID != nil && !current.IsException &&
		(!current.StartTime.Equal(updated.StartTime) || !current.EndTime.Equal(updated.EndTime))
	if detach {
		updated.IsException = true
	}

	var saved *Appointment
	err = s.withLock(ctx, updated.TherapistID, func(lockCtx context.Context) error {
		conflicts, err := s.detector.CheckConflicts(lockCtx, updated, updated.StartTime)
		if err != nil {
			return err
		}
		s.metrics.ObserveConflicts(op, len(conflicts))
		if len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		var appt *Appointment
		if detach {
			appt, err = s.repo.DetachOccurrence(lockCtx, &updated, current.StartTime)
		} else {
			appt, err = s.repo.UpdateAppointment(lockCtx, &updated)
		}
		if err != nil {
			return fmt.Errorf("%s appointment: %w", op, err)
		}
		saved = appt

		s.logEvent(lockCtx, appt.ID, event, map[string]any{
			"from_start": current.StartTime,
			"from_end":   current.EndTime,
			"to_start":   appt.StartTime,
			"to_end":     appt.EndTime,
			"detached":   detach,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveCommit(op, s.now().Sub(start).Seconds())
	return saved, nil
}

// UpdateStatus moves an appointment through its lifecycle. Cancelling is a
// status change; records are never removed by it. Returning a waitlisted
// appointment to the schedule re-checks for conflicts.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if problems := ValidateStatus(status); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	current, err := s.load(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}
	if !transitionAllowed(current.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, status)
	}

	var updated *Appointment
	err = s.withLock(ctx, current.TherapistID, func(lockCtx context.Context) error {
		if status == StatusScheduled {
			conflicts, err := s.detector.CheckConflicts(lockCtx, *current, current.StartTime)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				return &ConflictError{Conflicts: conflicts}
			}
		}

		appt, err := s.repo.UpdateAppointmentStatus(lockCtx, id, status)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		updated = appt

		s.logEvent(lockCtx, id, EventAppointmentStatus, map[string]any{
			"from": current.Status,
			"to":   status,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func transitionAllowed(from, to AppointmentStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DeleteAppointment hard-deletes a booking. Completed appointments are kept.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	current, err := s.load(ctx, id, 0)
	if err != nil {
		return err
	}
	if err := CanDelete(*current); err != nil {
		return err
	}

	if err := s.repo.DeleteAppointment(ctx, id); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}

	s.logEvent(ctx, id, EventAppointmentDeleted, map[string]any{
		"therapist_id": current.TherapistID.String(),
		"start_time":   current.StartTime,
	})
	return nil
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// ListTherapistAppointments returns the therapist's bookings intersecting
// [from, to), earliest first.
func (s *Service) ListTherapistAppointments(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	if !to.After(from) {
		return nil, &ValidationError{Problems: []string{"Range end must be after range start"}}
	}
	if to.Sub(from) > 93*24*time.Hour {
		return nil, &ValidationError{Problems: []string{"Range must not exceed 93 days"}}
	}

	list, err := s.repo.ListByTherapistInRange(ctx, therapistID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list therapist appointments: %w", err)
	}
	return list, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID, version int) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if version != 0 && appt.Version != version {
		return nil, ErrVersionConflict
	}
	return appt, nil
}

func (s *Service) applyDefaults(ctx context.Context, a *Appointment) error {
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if a.Type == "" {
		a.Type = TypeAppointment
	}
	if a.CreatedBy == "" {
		a.CreatedBy = CreatedByAdmin
	}

	if a.EndTime.IsZero() && !a.StartTime.IsZero() && a.ServiceID != uuid.Nil {
		svc, err := s.repo.GetServiceByID(ctx, a.ServiceID)
		if err != nil {
			return fmt.Errorf("load service: %w", err)
		}
		a.EndTime = a.StartTime.Add(time.Duration(svc.Duration) * time.Minute)
	}
	return nil
}

// validate runs the pure rules plus the ones that need the therapist record.
func (s *Service) validate(ctx context.Context, a Appointment) ([]string, error) {
	problems := Validate(a)
	problems = append(problems, ValidateStatus(a.Status)...)
	problems = append(problems, ValidateType(a.Type)...)

	if a.TherapistID == uuid.Nil {
		return problems, nil
	}

	therapist, err := s.repo.GetTherapistByID(ctx, a.TherapistID)
	if err != nil {
		if errors.Is(err, ErrTherapistNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load therapist: %w", err)
	}
	problems = append(problems, ValidateWorkingHours(a, *therapist)...)

	if a.ServiceID != uuid.Nil && len(therapist.ServiceIDs) > 0 && !therapist.Offers(a.ServiceID) {
		problems = append(problems, "Therapist does not offer this service")
	}
	return problems, nil
}

func (s *Service) patientBookingProblems(ctx context.Context, a Appointment) []string {
	therapist, err := s.repo.GetTherapistByID(ctx, a.TherapistID)
	if err != nil || therapist.AllowPatientBooking {
		return nil
	}
	return []string{"Therapist does not accept patient bookings"}
}

func (s *Service) withLock(ctx context.Context, therapistID uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithTherapistLock(ctx, therapistID, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrCalendarBusy
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}
