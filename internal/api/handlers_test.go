package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/therapy-calendar/internal/appointment"
)

type stubService struct {
	create     func(a appointment.Appointment, opts appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error)
	get        func(id uuid.UUID) (*appointment.Appointment, error)
	del        func(id uuid.UUID) error
	status     func(id uuid.UUID, s appointment.AppointmentStatus) (*appointment.Appointment, error)
	check      func(a appointment.Appointment, start time.Time) ([]appointment.Appointment, error)
	reschedule func(id uuid.UUID, start time.Time, version int) (*appointment.Appointment, error)
	resize     func(id uuid.UUID, minutes, version int) (*appointment.Appointment, error)
	detach     func(id uuid.UUID, start, end time.Time) (*appointment.Appointment, error)
	list       func(therapistID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error)
	series     func(template appointment.Appointment, p appointment.RecurrencePattern) (*appointment.SeriesResult, error)
	preview    func(template appointment.Appointment, p appointment.RecurrencePattern, from, to time.Time) ([]appointment.Interval, error)
}

var errUnexpected = errors.New("unexpected call")

func (s *stubService) CreateAppointment(_ context.Context, a appointment.Appointment, opts appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error) {
	if s.create == nil {
		return nil, nil, errUnexpected
	}
	return s.create(a, opts)
}

func (s *stubService) GetAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	if s.get == nil {
		return nil, errUnexpected
	}
	return s.get(id)
}

func (s *stubService) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	if s.del == nil {
		return errUnexpected
	}
	return s.del(id)
}

func (s *stubService) UpdateStatus(_ context.Context, id uuid.UUID, st appointment.AppointmentStatus) (*appointment.Appointment, error) {
	if s.status == nil {
		return nil, errUnexpected
	}
	return s.status(id, st)
}

func (s *stubService) CheckConflicts(_ context.Context, a appointment.Appointment, start time.Time) ([]appointment.Appointment, error) {
	if s.check == nil {
		return nil, errUnexpected
	}
	return s.check(a, start)
}

func (s *stubService) Reschedule(_ context.Context, id uuid.UUID, start time.Time, version int) (*appointment.Appointment, error) {
	if s.reschedule == nil {
		return nil, errUnexpected
	}
	return s.reschedule(id, start, version)
}

func (s *stubService) Resize(_ context.Context, id uuid.UUID, minutes, version int) (*appointment.Appointment, error) {
	if s.resize == nil {
		return nil, errUnexpected
	}
	return s.resize(id, minutes, version)
}

func (s *stubService) DetachOccurrence(_ context.Context, id uuid.UUID, start, end time.Time) (*appointment.Appointment, error) {
	if s.detach == nil {
		return nil, errUnexpected
	}
	return s.detach(id, start, end)
}

func (s *stubService) ListTherapistAppointments(_ context.Context, therapistID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error) {
	if s.list == nil {
		return nil, errUnexpected
	}
	return s.list(therapistID, from, to)
}

func (s *stubService) CreateSeries(_ context.Context, template appointment.Appointment, p appointment.RecurrencePattern) (*appointment.SeriesResult, error) {
	if s.series == nil {
		return nil, errUnexpected
	}
	return s.series(template, p)
}

func (s *stubService) PreviewSeries(template appointment.Appointment, p appointment.RecurrencePattern, from, to time.Time) ([]appointment.Interval, error) {
	if s.preview == nil {
		return nil, errUnexpected
	}
	return s.preview(template, p, from, to)
}

var (
	monday    = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	therapist = uuid.New()
)

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func booking(start, end time.Time) appointment.Appointment {
	return appointment.Appointment{
		ID:          uuid.New(),
		Title:       "Session",
		TherapistID: therapist,
		ClientName:  "Jane Doe",
		StartTime:   start,
		EndTime:     end,
		Status:      appointment.StatusScheduled,
		Type:        appointment.TypeAppointment,
		Version:     1,
	}
}

func newTestRouter(svc AppointmentService) http.Handler {
	return NewRouter(RouterConfig{
		Service: svc,
		DB:      pingerFunc(func(context.Context) error { return nil }),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "v0.0.0",
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestCreateAppointment(t *testing.T) {
	existing := booking(at(10, 0), at(11, 0))
	var gotForce bool
	svc := &stubService{create: func(a appointment.Appointment, opts appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error) {
		gotForce = opts.Force
		a.ID = uuid.New()
		a.Version = 1
		return &a, []appointment.Appointment{existing}, nil
	}}

	req := CreateAppointmentRequest{
		AppointmentPayload: AppointmentPayload{
			Title:       "Intake",
			TherapistID: therapist.String(),
			ClientName:  "John Roe",
			StartTime:   at(10, 30),
			EndTime:     at(11, 30),
		},
		Force: true,
	}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/appointments", req)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[CreateAppointmentResponse](t, rec)
	assert.True(t, gotForce)
	assert.Equal(t, "Intake", resp.Appointment.Title)
	assert.Equal(t, therapist.String(), resp.Appointment.TherapistID)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, existing.ID.String(), resp.Conflicts[0].ID)
}

func TestCreateAppointment_BadRequests(t *testing.T) {
	h := newTestRouter(&stubService{})

	rec := do(t, h, http.MethodPost, "/appointments", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_body", decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, "/appointments", AppointmentPayload{TherapistID: "nope", ServiceID: "also-nope"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_failed", resp.Error)
	assert.ElementsMatch(t, []string{
		"therapist_id must be a valid UUID",
		"service_id must be a valid UUID",
	}, resp.Problems)
}

func TestServiceErrorMapping(t *testing.T) {
	conflicting := booking(at(9, 0), at(10, 0))

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &appointment.ValidationError{Problems: []string{"Title is required"}}, http.StatusUnprocessableEntity, "validation_failed"},
		{"conflict", &appointment.ConflictError{Conflicts: []appointment.Appointment{conflicting}}, http.StatusConflict, "conflict"},
		{"invalid pattern", fmt.Errorf("%w: interval must be at least 1", appointment.ErrInvalidPattern), http.StatusUnprocessableEntity, "invalid_recurrence"},
		{"therapist missing", appointment.ErrTherapistNotFound, http.StatusNotFound, "therapist_not_found"},
		{"service missing", fmt.Errorf("load service: %w", appointment.ErrServiceNotFound), http.StatusNotFound, "service_not_found"},
		{"busy", appointment.ErrCalendarBusy, http.StatusConflict, "calendar_busy"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{create: func(appointment.Appointment, appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error) {
				return nil, nil, tt.err
			}}
			rec := do(t, newTestRouter(svc), http.MethodPost, "/appointments", AppointmentPayload{TherapistID: therapist.String()})

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestCreateAppointment_ConflictBody(t *testing.T) {
	conflicting := booking(at(9, 0), at(10, 0))
	svc := &stubService{create: func(appointment.Appointment, appointment.CreateOptions) (*appointment.Appointment, []appointment.Appointment, error) {
		return nil, []appointment.Appointment{conflicting}, &appointment.ConflictError{Conflicts: []appointment.Appointment{conflicting}}
	}}

	rec := do(t, newTestRouter(svc), http.MethodPost, "/appointments", AppointmentPayload{TherapistID: therapist.String()})

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, conflicting.ID.String(), resp.Conflicts[0].ID)
}

func TestGetAppointment(t *testing.T) {
	appt := booking(at(9, 0), at(10, 0))
	svc := &stubService{get: func(id uuid.UUID) (*appointment.Appointment, error) {
		if id == appt.ID {
			return &appt, nil
		}
		return nil, fmt.Errorf("get appointment: %w", appointment.ErrAppointmentNotFound)
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appt.ID.String(), decode[AppointmentPayload](t, rec).ID)

	rec = do(t, h, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "appointment_not_found", decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_appointment_id", decode[ErrorResponse](t, rec).Error)
}

func TestDeleteAppointment(t *testing.T) {
	completed := uuid.New()
	svc := &stubService{del: func(id uuid.UUID) error {
		if id == completed {
			return appointment.ErrDeleteCompleted
		}
		return nil
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodDelete, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/appointments/"+completed.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "delete_completed", decode[ErrorResponse](t, rec).Error)
}

func TestUpdateStatus(t *testing.T) {
	appt := booking(at(9, 0), at(10, 0))
	svc := &stubService{status: func(id uuid.UUID, s appointment.AppointmentStatus) (*appointment.Appointment, error) {
		if s == appointment.StatusScheduled {
			return nil, appointment.ErrInvalidStatusTransition
		}
		updated := appt
		updated.Status = s
		return &updated, nil
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/appointments/"+appt.ID.String()+"/status", StatusRequest{Status: "checked-in"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "checked-in", decode[AppointmentPayload](t, rec).Status)

	rec = do(t, h, http.MethodPost, "/appointments/"+appt.ID.String()+"/status", StatusRequest{Status: "scheduled"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_status_transition", decode[ErrorResponse](t, rec).Error)
}

func TestReschedule(t *testing.T) {
	appt := booking(at(9, 0), at(10, 0))
	var gotStart time.Time
	var gotVersion int
	svc := &stubService{reschedule: func(id uuid.UUID, start time.Time, version int) (*appointment.Appointment, error) {
		gotStart, gotVersion = start, version
		if version == 7 {
			return nil, appointment.ErrVersionConflict
		}
		moved := appt.MovedTo(start)
		return &moved, nil
	}}
	h := newTestRouter(svc)
	path := "/appointments/" + appt.ID.String() + "/reschedule"

	rec := do(t, h, http.MethodPost, path, RescheduleRequest{StartTime: at(14, 0), Version: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gotStart.Equal(at(14, 0)))
	assert.Equal(t, 1, gotVersion)
	assert.True(t, decode[AppointmentPayload](t, rec).EndTime.Equal(at(15, 0)))

	rec = do(t, h, http.MethodPost, path, RescheduleRequest{StartTime: at(14, 0), Version: 7})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "version_conflict", decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, path, RescheduleRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestResizeAndDetach(t *testing.T) {
	appt := booking(at(9, 0), at(10, 0))
	svc := &stubService{
		resize: func(uuid.UUID, int, int) (*appointment.Appointment, error) {
			return nil, appointment.ErrNotResizable
		},
		detach: func(uuid.UUID, time.Time, time.Time) (*appointment.Appointment, error) {
			return nil, fmt.Errorf("detach: %w", appointment.ErrNotRecurring)
		},
	}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/appointments/"+appt.ID.String()+"/resize", ResizeRequest{Minutes: 90})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "not_resizable", decode[ErrorResponse](t, rec).Error)

	rec = do(t, h, http.MethodPost, "/appointments/"+appt.ID.String()+"/detach", DetachRequest{StartTime: at(11, 0), EndTime: at(12, 0)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "not_recurring", decode[ErrorResponse](t, rec).Error)
}

func TestCheckConflicts(t *testing.T) {
	moving := booking(at(9, 0), at(10, 0))
	blocker := booking(at(11, 0), at(12, 0))
	svc := &stubService{check: func(a appointment.Appointment, start time.Time) ([]appointment.Appointment, error) {
		if a.MovedTo(start).Interval().Overlaps(blocker.Interval()) {
			return []appointment.Appointment{blocker}, nil
		}
		return nil, nil
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/conflicts/check", ConflictCheckRequest{Appointment: toPayload(moving), Start: at(11, 30)})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ConflictCheckResponse](t, rec)
	assert.False(t, resp.CanDrop)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, blocker.ID.String(), resp.Conflicts[0].ID)

	rec = do(t, h, http.MethodPost, "/conflicts/check", ConflictCheckRequest{Appointment: toPayload(moving), Start: at(10, 0)})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[ConflictCheckResponse](t, rec)
	assert.True(t, resp.CanDrop)
	assert.Empty(t, resp.Conflicts)
}

func TestListTherapistAppointments(t *testing.T) {
	appt := booking(at(9, 0), at(10, 0))
	svc := &stubService{list: func(id uuid.UUID, from, to time.Time) ([]appointment.Appointment, error) {
		assert.Equal(t, therapist, id)
		assert.True(t, from.Equal(monday))
		assert.True(t, to.Equal(monday.AddDate(0, 0, 7)))
		return []appointment.Appointment{appt}, nil
	}}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/therapists/"+therapist.String()+"/appointments?from=2024-01-15T00:00:00Z&to=2024-01-22T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[AppointmentListResponse](t, rec).Appointments, 1)

	rec = do(t, h, http.MethodGet, "/therapists/"+therapist.String()+"/appointments?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_range", decode[ErrorResponse](t, rec).Error)
}

func TestCreateSeries(t *testing.T) {
	template := booking(at(9, 0), at(10, 0))
	created := booking(at(9, 0), at(10, 0))
	blocker := booking(at(9, 0), at(10, 0))
	seriesID := uuid.New()

	svc := &stubService{series: func(tpl appointment.Appointment, p appointment.RecurrencePattern) (*appointment.SeriesResult, error) {
		if p.Interval == 0 {
			return nil, fmt.Errorf("%w: interval must be at least 1", appointment.ErrInvalidPattern)
		}
		return &appointment.SeriesResult{
			Series:  appointment.Series{ID: seriesID, MaterializedUntil: at(9, 0).AddDate(0, 0, 14)},
			Created: []appointment.Appointment{created},
			Skipped: []appointment.SkippedOccurrence{{
				Occurrence: appointment.Interval{Start: at(9, 0).AddDate(0, 0, 7), End: at(10, 0).AddDate(0, 0, 7)},
				Conflicts:  []appointment.Appointment{blocker},
			}},
		}, nil
	}}
	h := newTestRouter(svc)

	pattern := appointment.RecurrencePattern{Frequency: appointment.FrequencyWeekly, Interval: 1, DaysOfWeek: []time.Weekday{time.Monday}}
	rec := do(t, h, http.MethodPost, "/series", SeriesRequest{Template: toPayload(template), Pattern: pattern})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[SeriesResponse](t, rec)
	assert.Equal(t, seriesID, resp.SeriesID)
	require.Len(t, resp.Created, 1)
	require.Len(t, resp.Skipped, 1)
	assert.Equal(t, blocker.ID.String(), resp.Skipped[0].Conflicts[0].ID)

	pattern.Interval = 0
	rec = do(t, h, http.MethodPost, "/series", SeriesRequest{Template: toPayload(template), Pattern: pattern})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_recurrence", decode[ErrorResponse](t, rec).Error)
}

func TestPreviewSeries(t *testing.T) {
	template := booking(at(9, 0), at(10, 0))
	svc := &stubService{preview: func(_ appointment.Appointment, _ appointment.RecurrencePattern, from, to time.Time) ([]appointment.Interval, error) {
		return []appointment.Interval{
			{Start: at(9, 0), End: at(10, 0)},
			{Start: at(9, 0).AddDate(0, 0, 7), End: at(10, 0).AddDate(0, 0, 7)},
		}, nil
	}}
	h := newTestRouter(svc)

	req := SeriesPreviewRequest{
		SeriesRequest: SeriesRequest{
			Template: toPayload(template),
			Pattern:  appointment.RecurrencePattern{Frequency: appointment.FrequencyWeekly, Interval: 1},
		},
		From: monday,
		To:   monday.AddDate(0, 0, 14),
	}
	rec := do(t, h, http.MethodPost, "/series/preview", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[SeriesPreviewResponse](t, rec).Occurrences, 2)

	req.To = req.From
	rec = do(t, h, http.MethodPost, "/series/preview", req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPayloadRoundTrip(t *testing.T) {
	group := uuid.New()
	off := false
	minDur := 30
	a := booking(at(9, 0), at(10, 0))
	a.ClientID = uuid.New()
	a.RecurrenceGroupID = &group
	a.IsDraggable = &off
	a.MinDuration = &minDur
	a.CreatedAt = at(8, 0)

	back, problems := toPayload(a).toAppointment()

	require.Empty(t, problems)
	assert.Equal(t, a, back)
}

func TestRequestIDMiddleware(t *testing.T) {
	h := newTestRouter(&stubService{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/health/live", nil)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err)
}

func TestMetricsRoute(t *testing.T) {
	rec := do(t, newTestRouter(&stubService{}), http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}
