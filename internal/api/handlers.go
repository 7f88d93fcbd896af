package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/therapy-calendar/internal/appointment"
	redisclient "github.com/hackgods/therapy-calendar/internal/redis"
)

func createAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		a, problems := req.toAppointment()
		if len(problems) > 0 {
			writeProblems(w, problems)
			return
		}

		created, conflicts, err := svc.CreateAppointment(r.Context(), a, appointment.CreateOptions{Force: req.Force})
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, CreateAppointmentResponse{
			Appointment: toPayload(*created),
			Conflicts:   toPayloads(conflicts),
		})
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPayload(*appt))
	}
}

func deleteAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		if err := svc.DeleteAppointment(r.Context(), id); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func updateStatusHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		var req StatusRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.UpdateStatus(r.Context(), id, appointment.AppointmentStatus(req.Status))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPayload(*appt))
	}
}

func rescheduleHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.StartTime.IsZero() {
			writeProblems(w, []string{"Start time is required"})
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, req.StartTime, req.Version)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPayload(*appt))
	}
}

func resizeHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		var req ResizeRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.Resize(r.Context(), id, req.Minutes, req.Version)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPayload(*appt))
	}
}

func detachHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		var req DetachRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.DetachOccurrence(r.Context(), id, req.StartTime, req.EndTime)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPayload(*appt))
	}
}

func checkConflictsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConflictCheckRequest
		if !decodeBody(w, r, &req) {
			return
		}

		a, problems := req.Appointment.toAppointment()
		if len(problems) > 0 {
			writeProblems(w, problems)
			return
		}
		start := req.Start
		if start.IsZero() {
			start = a.StartTime
		}

		conflicts, err := svc.CheckConflicts(r.Context(), a, start)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ConflictCheckResponse{
			Conflicts: toPayloads(conflicts),
			CanDrop:   len(conflicts) == 0,
		})
	}
}

func listTherapistAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		therapistID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_therapist_id", "id must be a valid UUID")
			return
		}

		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_range", "from must be an RFC 3339 timestamp")
			return
		}
		to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_range", "to must be an RFC 3339 timestamp")
			return
		}

		list, err := svc.ListTherapistAppointments(r.Context(), therapistID, from, to)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AppointmentListResponse{Appointments: toPayloads(list)})
	}
}

func createSeriesHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SeriesRequest
		if !decodeBody(w, r, &req) {
			return
		}

		template, problems := req.Template.toAppointment()
		if len(problems) > 0 {
			writeProblems(w, problems)
			return
		}

		res, err := svc.CreateSeries(r.Context(), template, req.Pattern)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := SeriesResponse{
			SeriesID:          res.Series.ID,
			MaterializedUntil: res.Series.MaterializedUntil,
			Created:           toPayloads(res.Created),
			Skipped:           make([]OccurrencePayload, 0, len(res.Skipped)),
		}
		for _, sk := range res.Skipped {
			resp.Skipped = append(resp.Skipped, OccurrencePayload{
				Start:     sk.Occurrence.Start,
				End:       sk.Occurrence.End,
				Conflicts: toPayloads(sk.Conflicts),
			})
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func previewSeriesHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SeriesPreviewRequest
		if !decodeBody(w, r, &req) {
			return
		}

		template, problems := req.Template.toAppointment()
		if len(problems) > 0 {
			writeProblems(w, problems)
			return
		}
		if !req.To.After(req.From) {
			writeProblems(w, []string{"Range end must be after range start"})
			return
		}

		occurrences, err := svc.PreviewSeries(template, req.Pattern, req.From, req.To)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := SeriesPreviewResponse{Occurrences: make([]OccurrencePayload, 0, len(occurrences))}
		for _, o := range occurrences {
			resp.Occurrences = append(resp.Occurrences, OccurrencePayload{Start: o.Start, End: o.End})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleServiceError(w http.ResponseWriter, err error) {
	var validation *appointment.ValidationError
	var conflict *appointment.ConflictError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:    "validation_failed",
			Problems: validation.Problems,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "conflict",
			Details:   err.Error(),
			Conflicts: toPayloads(conflict.Conflicts),
		})
	case errors.Is(err, appointment.ErrInvalidPattern):
		writeError(w, http.StatusUnprocessableEntity, "invalid_recurrence", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrTherapistNotFound):
		writeError(w, http.StatusNotFound, "therapist_not_found", err.Error())
	case errors.Is(err, appointment.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, "service_not_found", err.Error())
	case errors.Is(err, appointment.ErrSeriesNotFound):
		writeError(w, http.StatusNotFound, "series_not_found", err.Error())
	case errors.Is(err, appointment.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, appointment.ErrCalendarBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "calendar_busy", "therapist calendar is being updated, please retry shortly")
	case errors.Is(err, appointment.ErrNotDraggable):
		writeError(w, http.StatusUnprocessableEntity, "not_draggable", err.Error())
	case errors.Is(err, appointment.ErrNotResizable):
		writeError(w, http.StatusUnprocessableEntity, "not_resizable", err.Error())
	case errors.Is(err, appointment.ErrNotRecurring):
		writeError(w, http.StatusUnprocessableEntity, "not_recurring", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrDeleteCompleted):
		writeError(w, http.StatusConflict, "delete_completed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func writeProblems(w http.ResponseWriter, problems []string) {
	writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "validation_failed", Problems: problems})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
