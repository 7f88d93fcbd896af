package dragdrop

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/therapy-calendar/internal/appointment"
)

// Grid maps one day column of the calendar between times and pixel offsets.
type Grid struct {
	Day         time.Time // any instant on the displayed day
	StartMinute int       // first visible minute since midnight
	EndMinute   int       // last visible minute since midnight
	SlotMinutes int
	SlotHeight  float64 // pixels per slot
}

// DefaultGrid shows 08:00-20:00 in 15 minute slots of 15px each.
func DefaultGrid(day time.Time) Grid {
	return Grid{
		Day:         day,
		StartMinute: 8 * 60,
		EndMinute:   20 * 60,
		SlotMinutes: 15,
		SlotHeight:  15,
	}
}

func (g Grid) slotMinutes() int {
	if g.SlotMinutes <= 0 {
		return 15
	}
	return g.SlotMinutes
}

func (g Grid) pixelsPerMinute() float64 {
	if g.SlotHeight <= 0 {
		return 1
	}
	return g.SlotHeight / float64(g.slotMinutes())
}

func (g Grid) origin() time.Time {
	y, m, d := g.Day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, g.Day.Location()).Add(time.Duration(g.StartMinute) * time.Minute)
}

// Position returns the block geometry of a on this grid.
func (g Grid) Position(a appointment.Appointment) Position {
	ppm := g.pixelsPerMinute()
	offset := a.StartTime.Sub(g.origin()).Minutes()
	return Position{
		Top:    offset * ppm,
		Height: a.Duration().Minutes() * ppm,
	}
}

// TimeAt converts a pixel offset to a time, snapped down to its slot and
// clamped to the visible range.
func (g Grid) TimeAt(top float64) time.Time {
	minutes := int(math.Floor(top / g.pixelsPerMinute()))
	step := g.slotMinutes()
	minutes -= minutes % step
	if minutes < 0 {
		minutes = 0
	}
	if span := g.EndMinute - g.StartMinute; span > 0 && minutes > span {
		minutes = span
	}
	return g.origin().Add(time.Duration(minutes) * time.Minute)
}

// Snap rounds t to the nearest slot boundary.
func (g Grid) Snap(t time.Time) time.Time {
	step := time.Duration(g.slotMinutes()) * time.Minute
	offset := t.Sub(g.origin())
	return g.origin().Add(offset.Round(step))
}

// Slots lists the slots of the day for therapist. A slot is available when it
// lies inside working hours, misses every break and does not overlap any of
// booked.
func (g Grid) Slots(therapist appointment.Therapist, booked []appointment.Appointment) []appointment.TimeSlot {
	step := time.Duration(g.slotMinutes()) * time.Minute
	end := g.origin().Add(time.Duration(g.EndMinute-g.StartMinute) * time.Minute)
	id := therapist.ID

	var slots []appointment.TimeSlot
	for t := g.origin(); t.Before(end); t = t.Add(step) {
		candidate := appointment.Appointment{
			TherapistID: therapist.ID,
			StartTime:   t,
			EndTime:     t.Add(step),
			Type:        appointment.TypeAppointment,
		}
		available := len(appointment.ValidateWorkingHours(candidate, therapist)) == 0 &&
			len(appointment.FindConflicts(candidate, booked, uuid.Nil)) == 0
		slots = append(slots, appointment.TimeSlot{
			Time:        t,
			TherapistID: &id,
			IsAvailable: available,
		})
	}
	return slots
}
