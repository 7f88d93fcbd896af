package appointment

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const materializeWorkers = 8

// SkippedOccurrence is an occurrence that was not written because it
// collides with existing bookings.
type SkippedOccurrence struct {
	Occurrence Interval
	Conflicts  []Appointment
}

type SeriesResult struct {
	Series  Series
	Created []Appointment
	Skipped []SkippedOccurrence
}

// PreviewSeries expands a pattern without touching storage.
func (s *Service) PreviewSeries(template Appointment, pattern RecurrencePattern, from, to time.Time) ([]Interval, error) {
	return pattern.Expand(template.Interval(), from, to, nil)
}

// CreateSeries stores a recurring series and writes its occurrences up to
// the configured horizon. Occurrences that would double-book the therapist
// are skipped and reported; the rest are written in one batch.
func (s *Service) CreateSeries(ctx context.Context, template Appointment, pattern RecurrencePattern) (*SeriesResult, error) {
	if err := s.applyDefaults(ctx, &template); err != nil {
		return nil, err
	}
	if err := pattern.Validate(template.Interval()); err != nil {
		return nil, err
	}

	problems, err := s.validate(ctx, template)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		s.metrics.ObserveValidationFailure("series")
		return nil, &ValidationError{Problems: problems}
	}

	template.IsRecurring = true
	template.Recurrence = &pattern
	series := Series{
		ID:                uuid.New(),
		Template:          template,
		Pattern:           pattern,
		MaterializedUntil: template.StartTime,
	}

	horizon := s.now().Add(s.cfg.MaterializeHorizon)
	if horizon.Before(template.EndTime) {
		horizon = template.EndTime
	}

	result := &SeriesResult{}
	err = s.withLock(ctx, template.TherapistID, func(lockCtx context.Context) error {
		created, skipped, err := s.materialize(lockCtx, series, horizon)
		if err != nil {
			return err
		}
		series.MaterializedUntil = horizon
		if err := s.repo.CreateSeries(lockCtx, &series); err != nil {
			return fmt.Errorf("create series: %w", err)
		}
		if err := s.repo.CreateAppointments(lockCtx, created); err != nil {
			return fmt.Errorf("create occurrences: %w", err)
		}

		result.Created = created
		result.Skipped = skipped
		if len(created) > 0 {
			s.logEvent(lockCtx, created[0].ID, EventSeriesCreated, map[string]any{
				"series_id":   series.ID.String(),
				"occurrences": len(created),
				"skipped":     len(skipped),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Series = series
	return result, nil
}

// MaterializeSeries extends every active series up to now plus the
// configured horizon. Therapists are processed concurrently, their series one
// at a time. Failures are logged per series and do not stop the run; the
// number of appointments written is returned.
func (s *Service) MaterializeSeries(ctx context.Context) (int, error) {
	list, err := s.repo.ListActiveSeries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active series: %w", err)
	}

	horizon := s.now().Add(s.cfg.MaterializeHorizon)

	byTherapist := make(map[uuid.UUID][]Series)
	for _, series := range list {
		if !series.MaterializedUntil.Before(horizon) {
			continue
		}
		tid := series.Template.TherapistID
		byTherapist[tid] = append(byTherapist[tid], series)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(materializeWorkers)

	for _, pending := range byTherapist {
		pending := pending
		g.Go(func() error {
			for _, series := range pending {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				written, err := s.materializeOne(gctx, series, horizon)
				if err != nil {
					s.logger.Error().Err(err).Str("series_id", series.ID.String()).Msg("failed to materialize series")
					continue
				}
				total.Add(int64(written))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

func (s *Service) materializeOne(ctx context.Context, series Series, horizon time.Time) (int, error) {
	var written int
	err := s.withLock(ctx, series.Template.TherapistID, func(lockCtx context.Context) error {
		created, skipped, err := s.materialize(lockCtx, series, horizon)
		if err != nil {
			return err
		}
		if err := s.repo.CreateAppointments(lockCtx, created); err != nil {
			return fmt.Errorf("create occurrences: %w", err)
		}
		if err := s.repo.MarkSeriesMaterialized(lockCtx, series.ID, horizon); err != nil {
			return err
		}
		for _, sk := range skipped {
			s.logger.Info().
				Str("series_id", series.ID.String()).
				Time("occurrence", sk.Occurrence.Start).
				Int("conflicts", len(sk.Conflicts)).
				Msg("skipped conflicting occurrence")
		}
		written = len(created)
		return nil
	})
	return written, err
}

// materialize expands series occurrences starting in
// [series.MaterializedUntil, horizon) and splits them into writable
// appointments and conflicting occurrences.
func (s *Service) materialize(ctx context.Context, series Series, horizon time.Time) ([]Appointment, []SkippedOccurrence, error) {
	occurrences, err := series.Pattern.Expand(series.Anchor(), series.MaterializedUntil, horizon, nil)
	if err != nil {
		return nil, nil, err
	}

	fresh := occurrences[:0]
	for _, occ := range occurrences {
		if !occ.Start.Before(series.MaterializedUntil) {
			fresh = append(fresh, occ)
		}
	}
	if len(fresh) == 0 {
		return nil, nil, nil
	}

	existing, err := s.repo.ListByTherapistInRange(ctx, series.Template.TherapistID, fresh[0].Start, fresh[len(fresh)-1].End)
	if err != nil {
		return nil, nil, fmt.Errorf("load therapist bookings: %w", err)
	}

	var created []Appointment
	var skipped []SkippedOccurrence
	for _, a := range Materialize(series.Template, fresh, series.ID) {
		conflicts := FindConflicts(a, existing, uuid.Nil)
		if len(conflicts) > 0 {
			skipped = append(skipped, SkippedOccurrence{Occurrence: a.Interval(), Conflicts: conflicts})
			continue
		}
		created = append(created, a)
	}
	s.metrics.ObserveConflicts("series", len(skipped))
	return created, skipped, nil
}
