package appointment

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

const dateLayout = "2006-01-02"

var ErrInvalidPattern = errors.New("invalid recurrence pattern")

// RecurrencePattern describes how a template appointment repeats. The pattern
// owns the set of exception dates; an occurrence edited on its own is stored
// as a standalone appointment flagged IsException and its original date is
// added here.
type RecurrencePattern struct {
	Frequency   Frequency      `json:"frequency"`
	Interval    int            `json:"interval"`
	EndDate     *time.Time     `json:"end_date,omitempty"`
	DaysOfWeek  []time.Weekday `json:"days_of_week,omitempty"`
	DayOfMonth  int            `json:"day_of_month,omitempty"`
	Occurrences int            `json:"occurrences,omitempty"`
	Exceptions  []time.Time    `json:"exceptions,omitempty"`
}

// Series links a recurrence pattern to the template its occurrences copy.
// The series ID is the RecurrenceGroupID carried by every occurrence.
type Series struct {
	ID                uuid.UUID
	Template          Appointment
	Pattern           RecurrencePattern
	MaterializedUntil time.Time
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s Series) Anchor() Interval {
	return s.Template.Interval()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPattern, fmt.Sprintf(format, args...))
}

// Validate rejects patterns that would produce no occurrences or never stop.
func (p RecurrencePattern) Validate(anchor Interval) error {
	if anchor.Start.IsZero() || !anchor.End.After(anchor.Start) {
		return invalid("series anchor must have an end after its start")
	}
	if p.Interval <= 0 {
		return invalid("interval must be positive, got %d", p.Interval)
	}
	if p.Occurrences < 0 {
		return invalid("occurrences must not be negative, got %d", p.Occurrences)
	}
	if p.EndDate != nil && p.EndDate.Before(dayStart(anchor.Start)) {
		return invalid("end date %s precedes series start", p.EndDate.Format(dateLayout))
	}

	switch p.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if len(p.DaysOfWeek) == 0 {
			return invalid("weekly pattern needs at least one day of week")
		}
		for _, d := range p.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return invalid("day of week %d out of range", d)
			}
		}
	case FrequencyMonthly:
		if p.DayOfMonth < 0 || p.DayOfMonth > 31 {
			return invalid("day of month %d out of range", p.DayOfMonth)
		}
	default:
		return invalid("unknown frequency %q", p.Frequency)
	}
	return nil
}

// Expand lists the occurrences of the pattern anchored at anchor that
// intersect [rangeStart, rangeEnd). Generation stops at the end date
// (inclusive day), the occurrence count, or rangeEnd, whichever comes first.
// Dates in the pattern's exceptions or in exceptions are skipped but still
// count towards the occurrence limit. A zero rangeStart means from the anchor;
// a zero rangeEnd is allowed only when the pattern has its own bound.
func (p RecurrencePattern) Expand(anchor Interval, rangeStart, rangeEnd time.Time, exceptions []time.Time) ([]Interval, error) {
	if err := p.Validate(anchor); err != nil {
		return nil, err
	}
	if rangeEnd.IsZero() && p.EndDate == nil && p.Occurrences == 0 {
		return nil, invalid("series has no end date, occurrence count or range end")
	}

	out := []Interval{}
	if !rangeEnd.IsZero() && !rangeEnd.After(rangeStart) {
		return out, nil
	}

	limit := rangeEnd
	if p.EndDate != nil {
		y, m, d := p.EndDate.Date()
		endLimit := time.Date(y, m, d+1, 0, 0, 0, 0, anchor.Start.Location())
		if limit.IsZero() || endLimit.Before(limit) {
			limit = endLimit
		}
	}

	skip := dateSet(p.Exceptions, exceptions)
	length := anchor.Duration()
	next := p.starts(anchor.Start)

	for count := 0; p.Occurrences == 0 || count < p.Occurrences; count++ {
		start := next()
		if !limit.IsZero() && !start.Before(limit) {
			break
		}
		if skip[start.Format(dateLayout)] {
			continue
		}
		occ := Interval{Start: start, End: start.Add(length)}
		if rangeStart.IsZero() || occ.End.After(rangeStart) {
			out = append(out, occ)
		}
	}
	return out, nil
}

// IsException reports whether the calendar date of t, read in loc, is
// excluded. loc should be the anchor's location so that an instant maps to the
// same day its occurrence was generated on.
func (p RecurrencePattern) IsException(t time.Time, loc *time.Location) bool {
	key := dateKey(t, loc)
	for _, e := range p.Exceptions {
		if e.Format(dateLayout) == key {
			return true
		}
	}
	return false
}

// AddException records the calendar date of t, read in loc, as excluded.
// Adding the same date twice is a no-op.
func (p *RecurrencePattern) AddException(t time.Time, loc *time.Location) {
	if loc == nil {
		loc = t.Location()
	}
	if p.IsException(t, loc) {
		return
	}
	y, m, d := t.In(loc).Date()
	p.Exceptions = append(p.Exceptions, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// ExcludeOccurrence adds the date of the occurrence starting at start to the
// series exceptions.
func (s *Series) ExcludeOccurrence(start time.Time) {
	s.Pattern.AddException(start, s.Template.StartTime.Location())
}

// starts returns a generator of ascending occurrence start times, beginning
// at anchor. Each call to Expand builds its own generator.
func (p RecurrencePattern) starts(anchor time.Time) func() time.Time {
	y, m, d := anchor.Date()
	hh, mm, ss := anchor.Clock()
	ns, loc := anchor.Nanosecond(), anchor.Location()
	at := func(year int, month time.Month, day int) time.Time {
		return time.Date(year, month, day, hh, mm, ss, ns, loc)
	}

	switch p.Frequency {
	case FrequencyDaily:
		k := 0
		return func() time.Time {
			t := at(y, m, d+k*p.Interval)
			k++
			return t
		}

	case FrequencyWeekly:
		days := sortedWeekdays(p.DaysOfWeek)
		weekStart := d - int(anchor.Weekday())
		week, idx := 0, 0
		return func() time.Time {
			for {
				if idx == len(days) {
					idx = 0
					week++
				}
				t := at(y, m, weekStart+week*7*p.Interval+int(days[idx]))
				idx++
				if !t.Before(anchor) {
					return t
				}
			}
		}

	default:
		day := p.DayOfMonth
		if day == 0 {
			day = d
		}
		k := 0
		return func() time.Time {
			for {
				month := m + time.Month(k*p.Interval)
				k++
				last := time.Date(y, month+1, 0, 0, 0, 0, 0, loc).Day()
				t := at(y, month, min(day, last))
				if !t.Before(anchor) {
					return t
				}
			}
		}
	}
}

// Materialize turns expanded occurrences into appointments copied from the
// template. Each gets a fresh ID and the series ID as its group.
func Materialize(template Appointment, occurrences []Interval, groupID uuid.UUID) []Appointment {
	out := make([]Appointment, 0, len(occurrences))
	for _, occ := range occurrences {
		a := template
		a.ID = uuid.New()
		a.StartTime = occ.Start
		a.EndTime = occ.End
		a.IsRecurring = true
		a.IsException = false
		gid := groupID
		a.RecurrenceGroupID = &gid
		if template.Recurrence != nil {
			pattern := *template.Recurrence
			a.Recurrence = &pattern
		}
		a.Version = 0
		a.CreatedAt = time.Time{}
		a.UpdatedAt = time.Time{}
		out = append(out, a)
	}
	return out
}

func dateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = t.Location()
	}
	return t.In(loc).Format(dateLayout)
}

// dateSet keys exception dates by their own calendar day. They are dates, not
// instants, so they are never shifted into another location.
func dateSet(lists ...[]time.Time) map[string]bool {
	set := make(map[string]bool)
	for _, list := range lists {
		for _, t := range list {
			set[t.Format(dateLayout)] = true
		}
	}
	return set
}

func sortedWeekdays(days []time.Weekday) []time.Weekday {
	seen := make(map[time.Weekday]bool, len(days))
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
