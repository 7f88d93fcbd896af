package dragdrop

import (
	"github.com/hackgods/therapy-calendar/internal/appointment"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDragging
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDragging:
		return "dragging"
	case PhaseCommitting:
		return "committing"
	default:
		return "unknown"
	}
}

type DragType string

const (
	// DragMove moves the appointment to a new start, keeping its length.
	DragMove DragType = "appointment"
	// DragResize changes the end of the appointment, keeping its start.
	DragResize DragType = "resize"
)

// Position is the rendered geometry of an appointment block, in pixels from
// the top of the day column.
type Position struct {
	Top    float64 `json:"top"`
	Height float64 `json:"height"`
}

// State is a snapshot of the drag session. DropTarget, Proposed and
// ConflictingAppointments are only meaningful while IsDragging reports true.
type State struct {
	Phase       Phase
	DragType    DragType
	Appointment *appointment.Appointment
	Origin      Position

	DropTarget *appointment.TimeSlot
	// Proposed is where the appointment would land if dropped on DropTarget.
	Proposed                appointment.Interval
	CanDrop                 bool
	Checking                bool
	ConflictingAppointments []appointment.Appointment
}

func (s State) IsDragging() bool {
	return s.Phase != PhaseIdle
}

func (s State) clone() State {
	out := s
	if s.Appointment != nil {
		a := *s.Appointment
		out.Appointment = &a
	}
	if s.DropTarget != nil {
		t := *s.DropTarget
		out.DropTarget = &t
	}
	if s.ConflictingAppointments != nil {
		out.ConflictingAppointments = append([]appointment.Appointment(nil), s.ConflictingAppointments...)
	}
	return out
}
