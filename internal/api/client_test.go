package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/therapy-calendar/internal/appointment"
	"github.com/hackgods/therapy-calendar/internal/dragdrop"
)

var (
	_ dragdrop.ConflictChecker = (*Client)(nil)
	_ dragdrop.Committer       = (*Client)(nil)
)

func newTestClient(t *testing.T, svc AppointmentService) *Client {
	t.Helper()
	srv := httptest.NewServer(newTestRouter(svc))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client())
}

func TestClientCheckConflicts(t *testing.T) {
	moving := booking(at(9, 0), at(10, 0))
	blocker := booking(at(11, 0), at(12, 0))
	svc := &stubService{check: func(a appointment.Appointment, start time.Time) ([]appointment.Appointment, error) {
		assert.Equal(t, moving.ID, a.ID)
		assert.True(t, start.Equal(at(11, 0)))
		return []appointment.Appointment{blocker}, nil
	}}
	c := newTestClient(t, svc)

	got, err := c.CheckConflicts(context.Background(), moving, at(11, 0))

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, blocker.ID, got[0].ID)
	assert.True(t, got[0].StartTime.Equal(blocker.StartTime))
}

func TestClientDrop(t *testing.T) {
	appt := booking(at(9, 0), at(10, 0))
	appt.Version = 3

	tests := []struct {
		name    string
		err     error
		wantOK  bool
		wantErr bool
	}{
		{"committed", nil, true, false},
		{"conflict rolls back", &appointment.ConflictError{}, false, false},
		{"stale version rolls back", appointment.ErrVersionConflict, false, false},
		{"not draggable rolls back", appointment.ErrNotDraggable, false, false},
		{"server failure", errors.New("db down"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotVersion int
			svc := &stubService{reschedule: func(id uuid.UUID, start time.Time, version int) (*appointment.Appointment, error) {
				gotVersion = version
				if tt.err != nil {
					return nil, tt.err
				}
				moved := appt.MovedTo(start)
				return &moved, nil
			}}
			c := newTestClient(t, svc)

			ok, err := c.Drop(context.Background(), appt, at(13, 0))

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, 3, gotVersion)
			if tt.wantErr {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
				assert.Equal(t, "internal_error", apiErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientResize(t *testing.T) {
	appt := booking(at(9, 0), at(10, 0))
	var gotMinutes int
	svc := &stubService{resize: func(_ uuid.UUID, minutes, _ int) (*appointment.Appointment, error) {
		gotMinutes = minutes
		resized := appt.ResizedTo(minutes)
		return &resized, nil
	}}
	c := newTestClient(t, svc)

	ok, err := c.Resize(context.Background(), appt, 75)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 75, gotMinutes)
}

func TestClientCreateAndList(t *testing.T) {
	var stored []appointment.Appointment
	svc := &stubService{
		create: func(a appointment.Appointment, opts appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error) {
			assert.Equal(t, uuid.Nil, a.ID)
			a.ID = uuid.New()
			a.Version = 1
			stored = append(stored, a)
			return &a, nil, nil
		},
		list: func(uuid.UUID, time.Time, time.Time) ([]appointment.Appointment, error) {
			return stored, nil
		},
	}
	c := newTestClient(t, svc)

	draft := booking(at(9, 0), at(10, 0))
	draft.ID = uuid.Nil
	created, err := c.CreateAppointment(context.Background(), draft, false)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, 1, created.Version)

	list, err := c.ListTherapistAppointments(context.Background(), therapist, monday, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestClientValidationError(t *testing.T) {
	svc := &stubService{create: func(appointment.Appointment, appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error) {
		return nil, nil, &appointment.ValidationError{Problems: []string{"Title is required"}}
	}}
	c := newTestClient(t, svc)

	_, err := c.CreateAppointment(context.Background(), booking(at(9, 0), at(10, 0)), false)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Rejected())
	assert.Equal(t, []string{"Title is required"}, apiErr.Problems)
	assert.Contains(t, err.Error(), "Title is required")
}

// A drag session driven end to end through the HTTP client.
func TestCoordinatorOverHTTP(t *testing.T) {
	moving := booking(at(9, 0), at(10, 0))
	blocker := booking(at(11, 0), at(12, 0))
	var committed time.Time
	svc := &stubService{
		check: func(a appointment.Appointment, start time.Time) ([]appointment.Appointment, error) {
			return appointment.FindConflicts(a.MovedTo(start), []appointment.Appointment{blocker}, a.ID), nil
		},
		reschedule: func(_ uuid.UUID, start time.Time, _ int) (*appointment.Appointment, error) {
			committed = start
			moved := moving.MovedTo(start)
			return &moved, nil
		},
	}
	c := newTestClient(t, svc)
	coord := dragdrop.NewCoordinator(dragdrop.Options{Checker: c, Committer: c, CheckTimeout: 5 * time.Second})

	require.NoError(t, coord.StartDrag(moving, dragdrop.DragMove, dragdrop.Position{Top: 60, Height: 60}))
	coord.Hover(context.Background(), appointment.TimeSlot{Time: at(11, 30), IsAvailable: true})
	coord.Hover(context.Background(), appointment.TimeSlot{Time: at(13, 0), IsAvailable: true})
	res := coord.Drop(context.Background())

	assert.True(t, res.Committed())
	assert.True(t, committed.Equal(at(13, 0)))
	assert.False(t, coord.State().IsDragging())
}
