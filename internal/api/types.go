package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/therapy-calendar/internal/appointment"
)

// AppointmentPayload is the wire form of an appointment, used in requests
// and responses.
type AppointmentPayload struct {
	ID                string                         `json:"id,omitempty"`
	Title             string                         `json:"title"`
	TherapistID       string                         `json:"therapist_id"`
	ClientID          string                         `json:"client_id,omitempty"`
	ServiceID         string                         `json:"service_id,omitempty"`
	ClientName        string                         `json:"client_name,omitempty"`
	ClientEmail       string                         `json:"client_email,omitempty"`
	StartTime         time.Time                      `json:"start_time"`
	EndTime           time.Time                      `json:"end_time"`
	Status            string                         `json:"status,omitempty"`
	Type              string                         `json:"type,omitempty"`
	Notes             string                         `json:"notes,omitempty"`
	IsDraggable       *bool                          `json:"is_draggable,omitempty"`
	IsResizable       *bool                          `json:"is_resizable,omitempty"`
	MinDuration       *int                           `json:"min_duration,omitempty"`
	MaxDuration       *int                           `json:"max_duration,omitempty"`
	Recurrence        *appointment.RecurrencePattern `json:"recurrence,omitempty"`
	IsRecurring       bool                           `json:"is_recurring,omitempty"`
	RecurrenceGroupID string                         `json:"recurrence_group_id,omitempty"`
	IsException       bool                           `json:"is_exception,omitempty"`
	CreatedBy         string                         `json:"created_by,omitempty"`
	Version           int                            `json:"version,omitempty"`
	CreatedAt         *time.Time                     `json:"created_at,omitempty"`
	UpdatedAt         *time.Time                     `json:"updated_at,omitempty"`
}

type CreateAppointmentRequest struct {
	AppointmentPayload
	// Force saves the appointment even when it overlaps other bookings.
	Force bool `json:"force,omitempty"`
}

type CreateAppointmentResponse struct {
	Appointment AppointmentPayload   `json:"appointment"`
	Conflicts   []AppointmentPayload `json:"conflicts,omitempty"`
}

type ConflictCheckRequest struct {
	Appointment AppointmentPayload `json:"appointment"`
	Start       time.Time          `json:"start"`
}

type ConflictCheckResponse struct {
	Conflicts []AppointmentPayload `json:"conflicts"`
	CanDrop   bool                 `json:"can_drop"`
}

type RescheduleRequest struct {
	StartTime time.Time `json:"start_time"`
	Version   int       `json:"version,omitempty"`
}

type ResizeRequest struct {
	Minutes int `json:"minutes"`
	Version int `json:"version,omitempty"`
}

type DetachRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type SeriesRequest struct {
	Template AppointmentPayload            `json:"template"`
	Pattern  appointment.RecurrencePattern `json:"pattern"`
}

type SeriesPreviewRequest struct {
	SeriesRequest
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type OccurrencePayload struct {
	Start     time.Time            `json:"start"`
	End       time.Time            `json:"end"`
	Conflicts []AppointmentPayload `json:"conflicts,omitempty"`
}

type SeriesResponse struct {
	SeriesID          uuid.UUID            `json:"series_id"`
	MaterializedUntil time.Time            `json:"materialized_until"`
	Created           []AppointmentPayload `json:"created"`
	Skipped           []OccurrencePayload  `json:"skipped"`
}

type SeriesPreviewResponse struct {
	Occurrences []OccurrencePayload `json:"occurrences"`
}

type AppointmentListResponse struct {
	Appointments []AppointmentPayload `json:"appointments"`
}

type ErrorResponse struct {
	Error     string               `json:"error"`
	Details   string               `json:"details,omitempty"`
	Problems  []string             `json:"problems,omitempty"`
	Conflicts []AppointmentPayload `json:"conflicts,omitempty"`
}

func toPayload(a appointment.Appointment) AppointmentPayload {
	p := AppointmentPayload{
		ID:          a.ID.String(),
		Title:       a.Title,
		TherapistID: a.TherapistID.String(),
		ClientName:  a.ClientName,
		ClientEmail: a.ClientEmail,
		StartTime:   a.StartTime,
		EndTime:     a.EndTime,
		Status:      string(a.Status),
		Type:        string(a.Type),
		Notes:       a.Notes,
		IsDraggable: a.IsDraggable,
		IsResizable: a.IsResizable,
		MinDuration: a.MinDuration,
		MaxDuration: a.MaxDuration,
		Recurrence:  a.Recurrence,
		IsRecurring: a.IsRecurring,
		IsException: a.IsException,
		CreatedBy:   string(a.CreatedBy),
		Version:     a.Version,
	}
	if a.ClientID != uuid.Nil {
		p.ClientID = a.ClientID.String()
	}
	if a.ServiceID != uuid.Nil {
		p.ServiceID = a.ServiceID.String()
	}
	if a.RecurrenceGroupID != nil {
		p.RecurrenceGroupID = a.RecurrenceGroupID.String()
	}
	if !a.CreatedAt.IsZero() {
		created := a.CreatedAt
		p.CreatedAt = &created
	}
	if !a.UpdatedAt.IsZero() {
		updated := a.UpdatedAt
		p.UpdatedAt = &updated
	}
	return p
}

func toPayloads(list []appointment.Appointment) []AppointmentPayload {
	out := make([]AppointmentPayload, 0, len(list))
	for _, a := range list {
		out = append(out, toPayload(a))
	}
	return out
}

// toAppointment converts the payload back to the domain type. Malformed ids
// are reported per field.
func (p AppointmentPayload) toAppointment() (appointment.Appointment, []string) {
	var problems []string
	parse := func(field, value string) uuid.UUID {
		if value == "" {
			return uuid.Nil
		}
		id, err := uuid.Parse(value)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s must be a valid UUID", field))
		}
		return id
	}

	a := appointment.Appointment{
		ID:          parse("id", p.ID),
		Title:       p.Title,
		TherapistID: parse("therapist_id", p.TherapistID),
		ClientID:    parse("client_id", p.ClientID),
		ServiceID:   parse("service_id", p.ServiceID),
		ClientName:  p.ClientName,
		ClientEmail: p.ClientEmail,
		StartTime:   p.StartTime,
		EndTime:     p.EndTime,
		Status:      appointment.AppointmentStatus(p.Status),
		Type:        appointment.AppointmentType(p.Type),
		Notes:       p.Notes,
		IsDraggable: p.IsDraggable,
		IsResizable: p.IsResizable,
		MinDuration: p.MinDuration,
		MaxDuration: p.MaxDuration,
		Recurrence:  p.Recurrence,
		IsRecurring: p.IsRecurring,
		IsException: p.IsException,
		CreatedBy:   appointment.CreatedBy(p.CreatedBy),
		Version:     p.Version,
	}
	if gid := parse("recurrence_group_id", p.RecurrenceGroupID); gid != uuid.Nil {
		a.RecurrenceGroupID = &gid
	}
	if p.CreatedAt != nil {
		a.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		a.UpdatedAt = *p.UpdatedAt
	}
	return a, problems
}
