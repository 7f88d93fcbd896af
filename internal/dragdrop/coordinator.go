package dragdrop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/therapy-calendar/internal/appointment"
	"github.com/hackgods/therapy-calendar/internal/metrics"
)

var (
	ErrDragInProgress  = errors.New("a drag is already in progress")
	ErrNotDraggable    = errors.New("appointment cannot be dragged")
	ErrNotResizable    = errors.New("appointment cannot be resized")
	ErrUnknownDragType = errors.New("unknown drag type")
	ErrNoCommitter     = errors.New("no committer configured")
)

// ConflictChecker answers whether appt, placed at start, would collide with
// other bookings. Implementations may be local or remote.
type ConflictChecker interface {
	CheckConflicts(ctx context.Context, appt appointment.Appointment, start time.Time) ([]appointment.Appointment, error)
}

// Committer persists the result of a drop. A false result or an error rolls
// the drag back.
type Committer interface {
	Drop(ctx context.Context, appt appointment.Appointment, newStart time.Time) (bool, error)
	Resize(ctx context.Context, appt appointment.Appointment, minutes int) (bool, error)
}

type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeCancelled  Outcome = "cancelled"
	// OutcomeIgnored is returned by Drop when no drag is active.
	OutcomeIgnored Outcome = "ignored"
)

// DropResult tells the host how a drop ended. On rollback the block should
// snap back to Origin.
type DropResult struct {
	Outcome     Outcome
	DragType    DragType
	Appointment appointment.Appointment
	Origin      Position
	Target      appointment.Interval
	// Conflicts that made the target undroppable, if any.
	Conflicts []appointment.Appointment
	// Err is the commit error, kept for logging by the caller.
	Err error
}

func (r DropResult) Committed() bool {
	return r.Outcome == OutcomeCommitted
}

type Options struct {
	// Checker is optional. Without it every available slot is droppable.
	Checker   ConflictChecker
	Committer Committer
	// OnChange receives a snapshot after every transition, in the order the
	// transitions happened; a snapshot overtaken by a newer one is dropped.
	// It may be called from check goroutines, must not block and must not
	// call back into the coordinator.
	OnChange func(State)
	// CheckTimeout bounds one hover check. Zero means no bound beyond the
	// hover context.
	CheckTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.SchedulingMetrics
}

// Coordinator owns the state of a single drag session. It is safe for use
// from multiple goroutines; hover checks run concurrently and only the result
// of the most recent hover of the current session is applied.
type Coordinator struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	session uint64
	seq     uint64
	rev     uint64
	cancel  context.CancelFunc
	pending chan struct{}

	notifyMu  sync.Mutex
	delivered uint64
}

// snapshot is a copy of the state stamped with the order it was taken in.
type snapshot struct {
	state State
	rev   uint64
}

func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "dragdrop").Logger(),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// StartDrag begins a session for appt. The appointment and its rendered
// geometry are snapshotted so a rollback can restore them.
func (c *Coordinator) StartDrag(appt appointment.Appointment, dragType DragType, origin Position) error {
	c.mu.Lock()
	if c.state.Phase != PhaseIdle {
		c.mu.Unlock()
		return ErrDragInProgress
	}

	switch dragType {
	case DragMove:
		if !appt.CanDrag() {
			c.mu.Unlock()
			return ErrNotDraggable
		}
	case DragResize:
		if !appt.CanResize() {
			c.mu.Unlock()
			return ErrNotResizable
		}
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownDragType, dragType)
	}

	c.session++
	c.seq = 0
	c.state = State{
		Phase:       PhaseDragging,
		DragType:    dragType,
		Appointment: &appt,
		Origin:      origin,
		Proposed:    appt.Interval(),
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return nil
}

// Hover records slot as the drop target and starts a conflict check for it.
// A check still running for an earlier hover is cancelled and its result is
// discarded. For resize drags slot.Time is the proposed new end.
func (c *Coordinator) Hover(ctx context.Context, slot appointment.TimeSlot) {
	c.mu.Lock()
	if c.state.Phase != PhaseDragging {
		c.mu.Unlock()
		return
	}

	c.stopCheckLocked()
	c.seq++
	session, seq := c.session, c.seq

	proposed := c.proposeLocked(slot)
	c.state.DropTarget = &slot
	c.state.Proposed = proposed.Interval()
	c.state.ConflictingAppointments = nil

	if c.opts.Checker == nil {
		c.state.Checking = false
		c.state.CanDrop = slot.IsAvailable
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(snap)
		return
	}

	c.state.Checking = true
	c.state.CanDrop = false

	var checkCtx context.Context
	var cancel context.CancelFunc
	if c.opts.CheckTimeout > 0 {
		checkCtx, cancel = context.WithTimeout(ctx, c.opts.CheckTimeout)
	} else {
		checkCtx, cancel = context.WithCancel(ctx)
	}
	done := make(chan struct{})
	c.cancel = cancel
	c.pending = done

	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	go c.runCheck(checkCtx, cancel, done, session, seq, proposed, slot.IsAvailable)
}

func (c *Coordinator) runCheck(ctx context.Context, cancel context.CancelFunc, done chan struct{}, session, seq uint64, proposed appointment.Appointment, available bool) {
	defer close(done)
	defer cancel()

	conflicts, err := c.check(ctx, proposed)

	c.mu.Lock()
	if c.session != session || c.seq != seq || c.state.Phase != PhaseDragging {
		c.mu.Unlock()
		c.logger.Debug().Uint64("seq", seq).Msg("discarding stale conflict check")
		return
	}

	c.state.Checking = false
	c.cancel = nil
	c.pending = nil
	if err != nil {
		c.state.CanDrop = false
		c.state.ConflictingAppointments = nil
	} else {
		c.state.ConflictingAppointments = conflicts
		c.state.CanDrop = available && len(conflicts) == 0
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).
			Str("appointment_id", proposed.ID.String()).
			Time("start", proposed.StartTime).
			Msg("conflict check failed")
	}
	c.opts.Metrics.ObserveConflicts("hover", len(conflicts))
	c.notify(snap)
}

func (c *Coordinator) check(ctx context.Context, proposed appointment.Appointment) (conflicts []appointment.Appointment, err error) {
	defer func() {
		if r := recover(); r != nil {
			conflicts, err = nil, fmt.Errorf("conflict check panicked: %v", r)
		}
	}()
	return c.opts.Checker.CheckConflicts(ctx, proposed, proposed.StartTime)
}

// Drop waits for the check of the last hover (bounded by ctx) and commits the
// move when the target is droppable. Commit failures never escape: they end
// the session with OutcomeRolledBack. The coordinator is always Idle again
// when Drop returns.
func (c *Coordinator) Drop(ctx context.Context) DropResult {
	c.mu.Lock()
	if c.state.Phase != PhaseDragging {
		c.mu.Unlock()
		return DropResult{Outcome: OutcomeIgnored}
	}
	session := c.session

	for c.state.Checking && ctx.Err() == nil {
		pending := c.pending
		c.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
		}
		c.mu.Lock()
		if c.session != session || c.state.Phase != PhaseDragging {
			// Cancelled while waiting.
			c.mu.Unlock()
			return DropResult{Outcome: OutcomeIgnored}
		}
	}
	c.stopCheckLocked()

	st := c.state.clone()
	result := DropResult{
		DragType:    st.DragType,
		Appointment: *st.Appointment,
		Origin:      st.Origin,
		Target:      st.Proposed,
		Conflicts:   st.ConflictingAppointments,
	}

	if st.DropTarget == nil || !st.CanDrop {
		c.resetLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()

		result.Outcome = OutcomeRolledBack
		c.finish(result, snap)
		return result
	}

	c.state.Phase = PhaseCommitting
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	started := time.Now()
	ok, err := c.commit(ctx, st.DragType, result.Appointment, st.Proposed)
	c.opts.Metrics.ObserveCommit("drag_"+string(st.DragType), time.Since(started).Seconds())

	c.mu.Lock()
	c.resetLocked()
	snap = c.snapshotLocked()
	c.mu.Unlock()

	switch {
	case err != nil:
		result.Outcome = OutcomeRolledBack
		result.Err = err
		c.logger.Error().Err(err).
			Str("appointment_id", result.Appointment.ID.String()).
			Str("drag_type", string(st.DragType)).
			Msg("drop commit failed, rolling back")
	case !ok:
		result.Outcome = OutcomeRolledBack
		c.logger.Info().
			Str("appointment_id", result.Appointment.ID.String()).
			Msg("drop rejected by committer, rolling back")
	default:
		result.Outcome = OutcomeCommitted
	}

	c.finish(result, snap)
	return result
}

func (c *Coordinator) commit(ctx context.Context, dragType DragType, appt appointment.Appointment, target appointment.Interval) (ok bool, err error) {
	if c.opts.Committer == nil {
		return false, ErrNoCommitter
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("commit panicked: %v", r)
		}
	}()

	if dragType == DragResize {
		return c.opts.Committer.Resize(ctx, appt, int(target.Duration()/time.Minute))
	}
	return c.opts.Committer.Drop(ctx, appt, target.Start)
}

// Cancel ends the session without committing and returns the original
// position to restore. It reports false when no drag is active.
func (c *Coordinator) Cancel() (Position, bool) {
	c.mu.Lock()
	if c.state.Phase != PhaseDragging {
		c.mu.Unlock()
		return Position{}, false
	}
	origin := c.state.Origin
	c.resetLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.opts.Metrics.ObserveDragOutcome(string(OutcomeCancelled))
	c.notify(snap)
	return origin, true
}

func (c *Coordinator) finish(result DropResult, snap snapshot) {
	c.opts.Metrics.ObserveDragOutcome(string(result.Outcome))
	c.notify(snap)
}

// proposeLocked resolves where the dragged appointment would land on slot.
func (c *Coordinator) proposeLocked(slot appointment.TimeSlot) appointment.Appointment {
	appt := *c.state.Appointment
	if c.state.DragType == DragResize {
		minutes := int(slot.Time.Sub(appt.StartTime) / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		return appt.ResizedTo(minutes)
	}
	return appt.MovedTo(slot.Time)
}

func (c *Coordinator) stopCheckLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.pending = nil
	c.state.Checking = false
}

func (c *Coordinator) resetLocked() {
	c.stopCheckLocked()
	c.state = State{}
}

func (c *Coordinator) snapshotLocked() snapshot {
	c.rev++
	return snapshot{state: c.state.clone(), rev: c.rev}
}

func (c *Coordinator) notify(s snapshot) {
	if c.opts.OnChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if s.rev <= c.delivered {
		return
	}
	c.delivered = s.rev
	c.opts.OnChange(s.state)
}
