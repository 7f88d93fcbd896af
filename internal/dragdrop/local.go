package dragdrop

import (
	"context"
	"time"

	"github.com/hackgods/therapy-calendar/internal/appointment"
)

// LocalChecker checks conflicts against an in-memory snapshot, typically the
// appointments already loaded for the visible calendar range.
type LocalChecker struct {
	Snapshot func() []appointment.Appointment
}

func (l LocalChecker) CheckConflicts(ctx context.Context, appt appointment.Appointment, start time.Time) ([]appointment.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var existing []appointment.Appointment
	if l.Snapshot != nil {
		existing = l.Snapshot()
	}
	return appointment.FindConflicts(appt.MovedTo(start), existing, appt.ID), nil
}
