package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCheckedIn AppointmentStatus = "checked-in"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no-show"
	StatusWaitlist  AppointmentStatus = "waitlist"
)

type AppointmentType string

const (
	TypeAppointment AppointmentType = "appointment"
	TypeBreak       AppointmentType = "break"
	TypeBlocked     AppointmentType = "blocked"
)

type CreatedBy string

const (
	CreatedByTherapist CreatedBy = "therapist"
	CreatedByPatient   CreatedBy = "patient"
	CreatedByAdmin     CreatedBy = "admin"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Overlaps reports whether the two half-open ranges share any instant.
// Back-to-back ranges do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return Overlaps(i.Start, i.End, o.Start, o.End)
}

type Appointment struct {
	ID          uuid.UUID
	Title       string
	TherapistID uuid.UUID
	ClientID    uuid.UUID
	ServiceID   uuid.UUID
	ClientName  string
	ClientEmail string
	StartTime   time.Time
	EndTime     time.Time
	Status      AppointmentStatus
	Type        AppointmentType
	Notes       string

	// nil means permissive
	IsDraggable *bool
	IsResizable *bool
	MinDuration *int
	MaxDuration *int

	Recurrence        *RecurrencePattern
	IsRecurring       bool
	RecurrenceGroupID *uuid.UUID
	IsException       bool

	CreatedBy CreatedBy
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

func (a Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

func (a Appointment) DurationMinutes() int {
	return int(a.Duration() / time.Minute)
}

func (a Appointment) CanDrag() bool {
	return a.IsDraggable == nil || *a.IsDraggable
}

func (a Appointment) CanResize() bool {
	return a.IsResizable == nil || *a.IsResizable
}

// IsClientBooking reports whether the entry books a client rather than
// holding time (break or blocked).
func (a Appointment) IsClientBooking() bool {
	return a.Type == "" || a.Type == TypeAppointment
}

// MovedTo returns a copy starting at start with the same duration.
func (a Appointment) MovedTo(start time.Time) Appointment {
	d := a.Duration()
	a.StartTime = start
	a.EndTime = start.Add(d)
	return a
}

// ResizedTo returns a copy with the same start and the given length.
func (a Appointment) ResizedTo(minutes int) Appointment {
	a.EndTime = a.StartTime.Add(time.Duration(minutes) * time.Minute)
	return a
}

// Deletable reports whether the record may be hard-deleted. Completed
// appointments are kept for history and can only be soft-cancelled.
func (a Appointment) Deletable() bool {
	return a.Status != StatusCompleted
}

// ClockRange is a time-of-day range in minutes since midnight.
type ClockRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (c ClockRange) String() string {
	return fmt.Sprintf("%s-%s", FormatClock(c.Start), FormatClock(c.End))
}

// On anchors the clock range to the calendar day of t.
func (c ClockRange) On(t time.Time) Interval {
	day := dayStart(t)
	return Interval{
		Start: day.Add(time.Duration(c.Start) * time.Minute),
		End:   day.Add(time.Duration(c.End) * time.Minute),
	}
}

type DayHours struct {
	ClockRange
	Breaks []ClockRange `json:"breaks,omitempty"`
}

// WorkingHours maps a weekday to its hours. Missing weekdays are days off.
type WorkingHours map[time.Weekday]DayHours

type Therapist struct {
	ID                  uuid.UUID
	Name                string
	WorkingHours        WorkingHours
	ServiceIDs          []uuid.UUID
	AllowPatientBooking bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (t Therapist) Offers(serviceID uuid.UUID) bool {
	for _, id := range t.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

// Offering is a bookable service. Its duration only drives the default end
// time of new bookings; existing appointments keep their own times.
type Offering struct {
	ID         uuid.UUID
	Name       string
	Duration   int
	PriceCents int64
	Category   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TimeSlot is a point on the calendar grid being evaluated as a drop or
// click target. It is computed on demand and never stored.
type TimeSlot struct {
	Time        time.Time
	TherapistID *uuid.UUID
	IsAvailable bool
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ParseClock parses "HH:MM" into minutes since midnight. "24:00" is accepted
// as end of day.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("parse clock %q: out of range", s)
	}
	return h*60 + m, nil
}

func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
