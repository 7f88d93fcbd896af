package appointment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConflictError is returned when a placement collides with existing bookings.
// Conflicts are advisory for new bookings (callers may force the save) and
// blocking for drag commits.
type ConflictError struct {
	Conflicts []Appointment
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.ID.String())
	}
	return fmt.Sprintf("appointment conflicts with %d booking(s): %s", len(e.Conflicts), strings.Join(ids, ", "))
}

// Overlaps is the half-open interval test: [s1,e1) and [s2,e2) conflict iff
// s1 < e2 and s2 < e1.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// Conflicts reports whether a and b collide on the same therapist. The
// relation is symmetric.
func Conflicts(a, b Appointment) bool {
	if a.TherapistID != b.TherapistID || a.ID == b.ID {
		return false
	}
	if a.Status == StatusCancelled || b.Status == StatusCancelled {
		return false
	}
	return Overlaps(a.StartTime, a.EndTime, b.StartTime, b.EndTime)
}

// FindConflicts returns the existing bookings that overlap candidate on the
// same therapist, earliest first. The candidate itself, excludeID and
// cancelled bookings are never returned. Breaks and blocked time count.
func FindConflicts(candidate Appointment, existing []Appointment, excludeID uuid.UUID) []Appointment {
	conflicts := []Appointment{}
	if candidate.Status == StatusCancelled {
		return conflicts
	}

	for _, other := range existing {
		if excludeID != uuid.Nil && other.ID == excludeID {
			continue
		}
		if Conflicts(candidate, other) {
			conflicts = append(conflicts, other)
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if !conflicts[i].StartTime.Equal(conflicts[j].StartTime) {
			return conflicts[i].StartTime.Before(conflicts[j].StartTime)
		}
		return conflicts[i].ID.String() < conflicts[j].ID.String()
	})
	return conflicts
}

// Source supplies the bookings of one therapist that intersect a window.
type Source interface {
	ListByTherapistInRange(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]Appointment, error)
}

// Detector runs FindConflicts against bookings loaded from a Source. It backs
// the remote conflict check used while dragging.
type Detector struct {
	source Source
}

func NewDetector(source Source) *Detector {
	return &Detector{source: source}
}

// CheckConflicts places appt at start, keeping its duration, and returns the
// bookings it would collide with.
func (d *Detector) CheckConflicts(ctx context.Context, appt Appointment, start time.Time) ([]Appointment, error) {
	candidate := appt.MovedTo(start)

	existing, err := d.source.ListByTherapistInRange(ctx, candidate.TherapistID, candidate.StartTime, candidate.EndTime)
	if err != nil {
		return nil, fmt.Errorf("load therapist bookings: %w", err)
	}

	return FindConflicts(candidate, existing, appt.ID), nil
}
