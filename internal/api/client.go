package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/therapy-calendar/internal/appointment"
)

// APIError is a non-2xx response from the scheduling API.
type APIError struct {
	Status   int
	Code     string
	Details  string
	Problems []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api: %d %s", e.Status, e.Code)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if len(e.Problems) > 0 {
		msg += " (" + strings.Join(e.Problems, "; ") + ")"
	}
	return msg
}

// Rejected reports whether the server refused the change on scheduling
// grounds (conflict, validation, stale version) rather than failing.
func (e *APIError) Rejected() bool {
	return e.Status == http.StatusConflict || e.Status == http.StatusUnprocessableEntity
}

// Client talks to the scheduling API. It can back a drag coordinator as both
// its conflict checker and its committer.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) CheckConflicts(ctx context.Context, appt appointment.Appointment, start time.Time) ([]appointment.Appointment, error) {
	var resp ConflictCheckResponse
	req := ConflictCheckRequest{Appointment: toPayload(appt), Start: start}
	if err := c.do(ctx, http.MethodPost, "/conflicts/check", req, &resp); err != nil {
		return nil, err
	}
	return fromPayloads(resp.Conflicts)
}

// Drop commits a move. A rejection by the server is reported as false with
// no error so the caller rolls back quietly.
func (c *Client) Drop(ctx context.Context, appt appointment.Appointment, newStart time.Time) (bool, error) {
	req := RescheduleRequest{StartTime: newStart, Version: appt.Version}
	return c.commit(ctx, "/appointments/"+appt.ID.String()+"/reschedule", req)
}

func (c *Client) Resize(ctx context.Context, appt appointment.Appointment, minutes int) (bool, error) {
	req := ResizeRequest{Minutes: minutes, Version: appt.Version}
	return c.commit(ctx, "/appointments/"+appt.ID.String()+"/resize", req)
}

func (c *Client) CreateAppointment(ctx context.Context, a appointment.Appointment, force bool) (*appointment.Appointment, error) {
	var resp CreateAppointmentResponse
	req := CreateAppointmentRequest{AppointmentPayload: toPayload(a), Force: force}
	if a.ID == uuid.Nil {
		req.ID = ""
	}
	if err := c.do(ctx, http.MethodPost, "/appointments", req, &resp); err != nil {
		return nil, err
	}
	created, problems := resp.Appointment.toAppointment()
	if len(problems) > 0 {
		return nil, fmt.Errorf("decode created appointment: %s", strings.Join(problems, "; "))
	}
	return &created, nil
}

func (c *Client) ListTherapistAppointments(ctx context.Context, therapistID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error) {
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	var resp AppointmentListResponse
	path := "/therapists/" + therapistID.String() + "/appointments?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return fromPayloads(resp.Appointments)
}

func (c *Client) commit(ctx context.Context, path string, body any) (bool, error) {
	err := c.do(ctx, http.MethodPost, path, body, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Rejected() {
		return false, nil
	}
	return false, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Code: e.Error, Details: e.Details, Problems: e.Problems}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func fromPayloads(list []AppointmentPayload) ([]appointment.Appointment, error) {
	out := make([]appointment.Appointment, 0, len(list))
	for _, p := range list {
		a, problems := p.toAppointment()
		if len(problems) > 0 {
			return nil, fmt.Errorf("decode appointment %s: %s", p.ID, strings.Join(problems, "; "))
		}
		out = append(out, a)
	}
	return out, nil
}
