package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func booking(therapistID uuid.UUID, start, end time.Time) Appointment {
	return Appointment{
		ID:          uuid.New(),
		Title:       "Session",
		TherapistID: therapistID,
		ClientName:  "Jane Doe",
		StartTime:   start,
		EndTime:     end,
		Status:      StatusScheduled,
		Type:        TypeAppointment,
	}
}

func TestFindConflicts_Overlap(t *testing.T) {
	t1 := uuid.New()
	a := booking(t1, at(10, 0), at(11, 0))
	b := booking(t1, at(10, 30), at(11, 30))

	got := FindConflicts(b, []Appointment{a}, uuid.Nil)

	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestFindConflicts_BackToBackIsNotAConflict(t *testing.T) {
	t1 := uuid.New()
	a := booking(t1, at(10, 0), at(11, 0))
	c := booking(t1, at(11, 0), at(12, 0))

	assert.Empty(t, FindConflicts(c, []Appointment{a}, uuid.Nil))
	assert.Empty(t, FindConflicts(a, []Appointment{c}, uuid.Nil))
}

func TestFindConflicts_Symmetric(t *testing.T) {
	t1 := uuid.New()
	cases := []struct {
		name string
		a, b Appointment
	}{
		{"partial overlap", booking(t1, at(9, 0), at(10, 0)), booking(t1, at(9, 30), at(10, 30))},
		{"containment", booking(t1, at(9, 0), at(12, 0)), booking(t1, at(10, 0), at(10, 15))},
		{"identical", booking(t1, at(9, 0), at(10, 0)), booking(t1, at(9, 0), at(10, 0))},
		{"disjoint", booking(t1, at(9, 0), at(10, 0)), booking(t1, at(13, 0), at(14, 0))},
		{"touching", booking(t1, at(9, 0), at(10, 0)), booking(t1, at(10, 0), at(11, 0))},
		{"other therapist", booking(t1, at(9, 0), at(10, 0)), booking(uuid.New(), at(9, 0), at(10, 0))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ab := len(FindConflicts(tc.a, []Appointment{tc.b}, uuid.Nil)) > 0
			ba := len(FindConflicts(tc.b, []Appointment{tc.a}, uuid.Nil)) > 0
			assert.Equal(t, ab, ba)
			assert.Equal(t, Conflicts(tc.a, tc.b), Conflicts(tc.b, tc.a))
		})
	}
}

func TestFindConflicts_SelfExclusion(t *testing.T) {
	t1 := uuid.New()
	candidate := booking(t1, at(10, 0), at(11, 0))
	moved := candidate.MovedTo(at(10, 30))

	got := FindConflicts(moved, []Appointment{candidate}, candidate.ID)
	assert.Empty(t, got)

	// Same id, no explicit exclude.
	got = FindConflicts(moved, []Appointment{candidate}, uuid.Nil)
	assert.Empty(t, got)
}

func TestFindConflicts_ExcludeID(t *testing.T) {
	t1 := uuid.New()
	a := booking(t1, at(10, 0), at(11, 0))
	candidate := booking(t1, at(10, 0), at(11, 0))

	assert.Empty(t, FindConflicts(candidate, []Appointment{a}, a.ID))
}

func TestFindConflicts_CancelledExcluded(t *testing.T) {
	t1 := uuid.New()
	a := booking(t1, at(10, 0), at(11, 0))
	a.Status = StatusCancelled
	candidate := booking(t1, at(10, 0), at(11, 0))

	assert.Empty(t, FindConflicts(candidate, []Appointment{a}, uuid.Nil))

	candidate.Status = StatusCancelled
	a.Status = StatusScheduled
	assert.Empty(t, FindConflicts(candidate, []Appointment{a}, uuid.Nil))
}

func TestFindConflicts_BreaksCountOnSameTherapistOnly(t *testing.T) {
	t1, t2 := uuid.New(), uuid.New()
	lunch := booking(t1, at(12, 0), at(13, 0))
	lunch.Type = TypeBreak
	otherLunch := booking(t2, at(12, 0), at(13, 0))
	otherLunch.Type = TypeBreak

	candidate := booking(t1, at(12, 30), at(13, 30))
	got := FindConflicts(candidate, []Appointment{lunch, otherLunch}, uuid.Nil)
	require.Len(t, got, 1)
	assert.Equal(t, lunch.ID, got[0].ID)

	assert.Empty(t, FindConflicts(lunch, []Appointment{otherLunch}, uuid.Nil))
}

func TestFindConflicts_OrderedByStart(t *testing.T) {
	t1 := uuid.New()
	late := booking(t1, at(11, 0), at(12, 0))
	early := booking(t1, at(9, 0), at(10, 0))
	mid := booking(t1, at(10, 0), at(11, 0))

	candidate := booking(t1, at(8, 0), at(13, 0))
	got := FindConflicts(candidate, []Appointment{late, early, mid}, uuid.Nil)

	require.Len(t, got, 3)
	assert.Equal(t, []uuid.UUID{early.ID, mid.ID, late.ID}, []uuid.UUID{got[0].ID, got[1].ID, got[2].ID})
}

type stubSource struct {
	list []Appointment
	err  error

	therapistID uuid.UUID
	from, to    time.Time
}

func (s *stubSource) ListByTherapistInRange(_ context.Context, therapistID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	s.therapistID, s.from, s.to = therapistID, from, to
	return s.list, s.err
}

func TestDetectorCheckConflicts(t *testing.T) {
	t1 := uuid.New()
	existing := booking(t1, at(14, 0), at(15, 0))
	dragged := booking(t1, at(9, 0), at(10, 0))
	src := &stubSource{list: []Appointment{existing, dragged}}

	got, err := NewDetector(src).CheckConflicts(context.Background(), dragged, at(14, 30))

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, existing.ID, got[0].ID)
	assert.Equal(t, t1, src.therapistID)
	assert.True(t, src.from.Equal(at(14, 30)))
	assert.True(t, src.to.Equal(at(15, 30)), "duration must be preserved")
}

func TestDetectorCheckConflicts_SourceError(t *testing.T) {
	src := &stubSource{err: errors.New("connection reset")}

	_, err := NewDetector(src).CheckConflicts(context.Background(), booking(uuid.New(), at(9, 0), at(10, 0)), at(11, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestConflictErrorMessage(t *testing.T) {
	a := booking(uuid.New(), at(9, 0), at(10, 0))
	err := &ConflictError{Conflicts: []Appointment{a}}
	assert.Contains(t, err.Error(), a.ID.String())
}
