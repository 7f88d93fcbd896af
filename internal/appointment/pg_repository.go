package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// db is the subset of *pgxpool.Pool the repository uses.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	pool db
}

func NewPgRepository(pool db) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, title, therapist_id, client_id, service_id, client_name, client_email,
	start_time, end_time, status, type, notes, is_draggable, is_resizable, min_duration, max_duration,
	recurrence, is_recurring, recurrence_group_id, is_exception, created_by, version, created_at, updated_at`

// Helpers

func scanTherapist(row pgx.Row) (*Therapist, error) {
	var t Therapist
	var hours []byte

	err := row.Scan(
		&t.ID,
		&t.Name,
		&hours,
		&t.ServiceIDs,
		&t.AllowPatientBooking,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTherapistNotFound
		}
		return nil, err
	}

	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &t.WorkingHours); err != nil {
			return nil, fmt.Errorf("decode working hours: %w", err)
		}
	}
	return &t, nil
}

func scanService(row pgx.Row) (*Offering, error) {
	var s Offering

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Duration,
		&s.PriceCents,
		&s.Category,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var clientID, serviceID *uuid.UUID
	var recurrence []byte

	err := row.Scan(
		&a.ID,
		&a.Title,
		&a.TherapistID,
		&clientID,
		&serviceID,
		&a.ClientName,
		&a.ClientEmail,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.Type,
		&a.Notes,
		&a.IsDraggable,
		&a.IsResizable,
		&a.MinDuration,
		&a.MaxDuration,
		&recurrence,
		&a.IsRecurring,
		&a.RecurrenceGroupID,
		&a.IsException,
		&a.CreatedBy,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if clientID != nil {
		a.ClientID = *clientID
	}
	if serviceID != nil {
		a.ServiceID = *serviceID
	}
	if len(recurrence) > 0 {
		var p RecurrencePattern
		if err := json.Unmarshal(recurrence, &p); err != nil {
			return nil, fmt.Errorf("decode recurrence: %w", err)
		}
		a.Recurrence = &p
	}
	return &a, nil
}

func scanSeries(row pgx.Row) (*Series, error) {
	var s Series
	var template, pattern []byte

	err := row.Scan(
		&s.ID,
		&template,
		&pattern,
		&s.MaterializedUntil,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSeriesNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(template, &s.Template); err != nil {
		return nil, fmt.Errorf("decode series template: %w", err)
	}
	if err := json.Unmarshal(pattern, &s.Pattern); err != nil {
		return nil, fmt.Errorf("decode series pattern: %w", err)
	}
	return &s, nil
}

func appointmentArgs(a *Appointment) ([]any, error) {
	var recurrence []byte
	if a.Recurrence != nil {
		data, err := json.Marshal(a.Recurrence)
		if err != nil {
			return nil, fmt.Errorf("encode recurrence: %w", err)
		}
		recurrence = data
	}

	return []any{
		a.ID,
		a.Title,
		a.TherapistID,
		nullableUUID(a.ClientID),
		nullableUUID(a.ServiceID),
		a.ClientName,
		a.ClientEmail,
		a.StartTime,
		a.EndTime,
		a.Status,
		a.Type,
		a.Notes,
		a.IsDraggable,
		a.IsResizable,
		a.MinDuration,
		a.MaxDuration,
		recurrence,
		a.IsRecurring,
		a.RecurrenceGroupID,
		a.IsException,
		a.CreatedBy,
	}, nil
}

const insertAppointmentSQL = `
	INSERT INTO appointments (id, title, therapist_id, client_id, service_id, client_name, client_email,
		start_time, end_time, status, type, notes, is_draggable, is_resizable, min_duration, max_duration,
		recurrence, is_recurring, recurrence_group_id, is_exception, created_by, version, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 1, now(), now())
	RETURNING ` + appointmentColumns

// Interface methods

func (r *PgRepository) GetTherapistByID(ctx context.Context, id uuid.UUID) (*Therapist, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, working_hours, service_ids, allow_patient_booking, created_at, updated_at
		FROM therapists
		WHERE id = $1
	`, id)
	return scanTherapist(row)
}

func (r *PgRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*Offering, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, price_cents, category, created_at, updated_at
		FROM services
		WHERE id = $1
	`, id)
	return scanService(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListByTherapistInRange(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE therapist_id = $1
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, therapistID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	args, err := appointmentArgs(a)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, insertAppointmentSQL, args...)
	return scanAppointment(row)
}

// CreateAppointments inserts a batch in a single transaction, used for the
// occurrences of a recurring series.
func (r *PgRepository) CreateAppointments(ctx context.Context, list []Appointment) error {
	if len(list) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range list {
		a := &list[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		args, err := appointmentArgs(a)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertAppointmentSQL, args...); err != nil {
			return fmt.Errorf("insert occurrence %s: %w", a.StartTime.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateAppointment writes every mutable field when the stored version still
// matches a.Version, and bumps the version.
func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	return updateAppointment(ctx, r.pool, a)
}

func (r *PgRepository) DetachOccurrence(ctx context.Context, a *Appointment, originalStart time.Time) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := updateAppointment(ctx, tx, a)
	if err != nil {
		return nil, err
	}

	if a.RecurrenceGroupID != nil {
		row := tx.QueryRow(ctx, selectSeriesSQL+`
			WHERE id = $1
			FOR UPDATE
		`, *a.RecurrenceGroupID)
		series, err := scanSeries(row)
		switch {
		case errors.Is(err, ErrSeriesNotFound):
			// Orphaned occurrence; nothing to exclude.
		case err != nil:
			return nil, fmt.Errorf("load series: %w", err)
		default:
			series.ExcludeOccurrence(originalStart)
			if err := updateSeriesPattern(ctx, tx, series.ID, series.Pattern); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateAppointment(ctx context.Context, q querier, a *Appointment) (*Appointment, error) {
	var recurrence []byte
	if a.Recurrence != nil {
		data, err := json.Marshal(a.Recurrence)
		if err != nil {
			return nil, fmt.Errorf("encode recurrence: %w", err)
		}
		recurrence = data
	}

	row := q.QueryRow(ctx, `
		UPDATE appointments
		SET title = $3,
		    start_time = $4,
		    end_time = $5,
		    status = $6,
		    notes = $7,
		    recurrence = $8,
		    recurrence_group_id = $9,
		    is_exception = $10,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		RETURNING `+appointmentColumns,
		a.ID, a.Version, a.Title, a.StartTime, a.EndTime, a.Status, a.Notes,
		recurrence, a.RecurrenceGroupID, a.IsException)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrVersionConflict
	}
	return updated, err
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, id, status)

	return scanAppointment(row)
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1
		  AND status <> 'completed'
	`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) CreateSeries(ctx context.Context, s *Series) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	template, err := json.Marshal(s.Template)
	if err != nil {
		return fmt.Errorf("encode series template: %w", err)
	}
	pattern, err := json.Marshal(s.Pattern)
	if err != nil {
		return fmt.Errorf("encode series pattern: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO recurrence_series (id, template, pattern, materialized_until, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, true, now(), now())
	`, s.ID, template, pattern, s.MaterializedUntil)
	if err != nil {
		return fmt.Errorf("insert series: %w", err)
	}
	s.Active = true
	return nil
}

const selectSeriesSQL = `
		SELECT id, template, pattern, materialized_until, active, created_at, updated_at
		FROM recurrence_series`

func (r *PgRepository) GetSeriesByID(ctx context.Context, id uuid.UUID) (*Series, error) {
	row := r.pool.QueryRow(ctx, selectSeriesSQL+`
		WHERE id = $1
	`, id)
	return scanSeries(row)
}

func (r *PgRepository) ListActiveSeries(ctx context.Context) ([]Series, error) {
	rows, err := r.pool.Query(ctx, selectSeriesSQL+`
		WHERE active
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateSeriesPattern(ctx context.Context, id uuid.UUID, p RecurrencePattern) error {
	return updateSeriesPattern(ctx, r.pool, id, p)
}

func updateSeriesPattern(ctx context.Context, q querier, id uuid.UUID, p RecurrencePattern) error {
	pattern, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode series pattern: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE recurrence_series
		SET pattern = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, pattern)
	if err != nil {
		return fmt.Errorf("update series pattern: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSeriesNotFound
	}
	return nil
}

func (r *PgRepository) MarkSeriesMaterialized(ctx context.Context, id uuid.UUID, until time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE recurrence_series
		SET materialized_until = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, until)
	if err != nil {
		return fmt.Errorf("mark series materialized: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
