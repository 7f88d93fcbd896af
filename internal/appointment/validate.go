package appointment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrDeleteCompleted = errors.New("completed appointments cannot be deleted")

	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

var validStatuses = map[AppointmentStatus]bool{
	StatusScheduled: true, StatusCheckedIn: true, StatusCompleted: true,
	StatusCancelled: true, StatusNoShow: true, StatusWaitlist: true,
}

var validTypes = map[AppointmentType]bool{
	TypeAppointment: true, TypeBreak: true, TypeBlocked: true,
}

// ValidationError carries every business-rule failure found for one
// appointment so callers can show them all at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Validate runs the business rules that gate creating or mutating an
// appointment. All rules are evaluated; an empty result means valid.
func Validate(a Appointment) []string {
	problems := []string{}

	if strings.TrimSpace(a.Title) == "" {
		problems = append(problems, "Title is required")
	}

	if a.IsClientBooking() && strings.TrimSpace(a.ClientName) == "" && a.ClientID == uuid.Nil {
		problems = append(problems, "Client name is required")
	}

	if a.TherapistID == uuid.Nil {
		problems = append(problems, "Therapist is required")
	}

	switch {
	case a.StartTime.IsZero() && a.EndTime.IsZero():
		problems = append(problems, "Start time is required", "End time is required")
	case a.StartTime.IsZero():
		problems = append(problems, "Start time is required")
	case a.EndTime.IsZero():
		problems = append(problems, "End time is required")
	case !a.EndTime.After(a.StartTime):
		problems = append(problems, "End time must be after start time")
	}

	if email := strings.TrimSpace(a.ClientEmail); email != "" && !emailPattern.MatchString(email) {
		problems = append(problems, "Client email is invalid")
	}

	if !a.StartTime.IsZero() && a.EndTime.After(a.StartTime) {
		problems = append(problems, durationProblems(a)...)
	}

	return problems
}

func durationProblems(a Appointment) []string {
	var problems []string
	minutes := a.DurationMinutes()
	if a.MinDuration != nil && minutes < *a.MinDuration {
		problems = append(problems, fmt.Sprintf("Duration must be at least %d minutes", *a.MinDuration))
	}
	if a.MaxDuration != nil && minutes > *a.MaxDuration {
		problems = append(problems, fmt.Sprintf("Duration must be at most %d minutes", *a.MaxDuration))
	}
	return problems
}

// ValidateWorkingHours checks a client booking against the therapist's hours
// for the weekday it starts on. Breaks and blocked time are exempt.
func ValidateWorkingHours(a Appointment, t Therapist) []string {
	if !a.IsClientBooking() || a.StartTime.IsZero() || !a.EndTime.After(a.StartTime) {
		return nil
	}

	day := a.StartTime.Weekday()
	hours, ok := t.WorkingHours[day]
	if !ok {
		return []string{fmt.Sprintf("Therapist is not working on %s", day)}
	}

	var problems []string
	window := hours.On(a.StartTime)
	if a.StartTime.Before(window.Start) || a.EndTime.After(window.End) {
		problems = append(problems, fmt.Sprintf("Appointment is outside working hours (%s)", hours.ClockRange))
	}
	for _, br := range hours.Breaks {
		if a.Interval().Overlaps(br.On(a.StartTime)) {
			problems = append(problems, fmt.Sprintf("Appointment overlaps a break (%s)", br))
		}
	}
	return problems
}

func ValidateStatus(s AppointmentStatus) []string {
	if !validStatuses[s] {
		return []string{fmt.Sprintf("Invalid status: %s", s)}
	}
	return nil
}

func ValidateType(t AppointmentType) []string {
	if !validTypes[t] {
		return []string{fmt.Sprintf("Invalid type: %s", t)}
	}
	return nil
}

func CanDelete(a Appointment) error {
	if !a.Deletable() {
		return ErrDeleteCompleted
	}
	return nil
}
