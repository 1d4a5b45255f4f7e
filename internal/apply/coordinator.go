package apply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/clock"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/metrics"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/rollback"
	"grimm.is/wayout/internal/state"
)

// ConsistencyChecker verifies the system-wide invariants that must
// hold before a new state goes live (reachable default egress, healthy
// tunnels for wireguard egresses).
type ConsistencyChecker interface {
	Check(ctx context.Context, st *policy.State) error
}

// Options configures the coordinator. Engine, Validator and Snapshots
// are required; the rest have defaults.
type Options struct {
	Engine    *policy.Engine
	Validator *changeset.Validator
	Snapshots *rollback.Store
	Policy    *state.PolicyBucket    // persisted policy document, optional in tests
	Records   *state.ChangeSetBucket // change set outcome records, optional in tests
	Adapters  []Adapter
	Checker   ConsistencyChecker // optional
	Clock     clock.Clock
	Logger    *logging.Logger

	// AbortThreshold is the number of non-critical failures tolerated
	// before the apply aborts. A critical change failing aborts
	// immediately regardless.
	AbortThreshold int
	AdapterTimeout time.Duration // per-change adapter deadline
	ApplyTimeout   time.Duration // whole-batch deadline
}

const (
	defaultAbortThreshold = 3
	defaultAdapterTimeout = 5 * time.Second
	defaultApplyTimeout   = 30 * time.Second
)

// Result is the outcome of one apply attempt. Applied counts the
// changes pushed before the outcome; after a rollback it still holds
// the pre-rollback success count so the audit trail shows how far the
// batch got (State says whether any of it was retained).
type Result struct {
	ChangeSetID    string                      `json:"change_set_id"`
	State          changeset.SetState          `json:"state"`
	Validation     *changeset.ValidationResult `json:"validation,omitempty"`
	Applied        int                         `json:"applied"`
	Errors         []string                    `json:"errors,omitempty"`
	SnapshotID     string                      `json:"snapshot_id,omitempty"`
	RollbackFailed bool                        `json:"rollback_failed,omitempty"`
}

// Coordinator serializes change set application. Exactly one apply
// runs at a time; concurrent callers get ErrBusy instead of queueing.
type Coordinator struct {
	mu sync.Mutex

	engine    *policy.Engine
	validator *changeset.Validator
	snapshots *rollback.Store
	policyDoc *state.PolicyBucket
	records   *state.ChangeSetBucket
	adapters  []Adapter
	checker   ConsistencyChecker
	clock     clock.Clock
	log       *logging.Logger

	abortThreshold int
	adapterTimeout time.Duration
	applyTimeout   time.Duration
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default().WithComponent("apply")
	}
	if opts.AbortThreshold <= 0 {
		opts.AbortThreshold = defaultAbortThreshold
	}
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = defaultAdapterTimeout
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = defaultApplyTimeout
	}
	return &Coordinator{
		engine:         opts.Engine,
		validator:      opts.Validator,
		snapshots:      opts.Snapshots,
		policyDoc:      opts.Policy,
		records:        opts.Records,
		adapters:       opts.Adapters,
		checker:        opts.Checker,
		clock:          opts.Clock,
		log:            opts.Logger,
		abortThreshold: opts.AbortThreshold,
		adapterTimeout: opts.AdapterTimeout,
		applyTimeout:   opts.ApplyTimeout,
	}
}

// Validate runs validation only, without touching the system. Safe to
// call at any rate, including while an apply is in flight.
func (c *Coordinator) Validate(cs *changeset.ChangeSet) *changeset.ValidationResult {
	return c.validator.Validate(cs, c.engine.State())
}

// Apply validates and applies a change set transactionally. On any
// failure past the abort threshold the prior state is restored from
// the snapshot taken before the first change.
func (c *Coordinator) Apply(ctx context.Context, cs *changeset.ChangeSet) (*Result, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.applyTimeout)
	defer cancel()

	started := c.clock.Now()
	res := &Result{ChangeSetID: cs.ID}

	cs.State = changeset.StateValidating
	current := c.engine.State()
	vr := c.validator.Validate(cs, current)
	res.Validation = vr
	if !vr.Valid {
		cs.State = changeset.StateInvalid
		res.State = changeset.StateInvalid
		for _, f := range vr.Errors {
			res.Errors = append(res.Errors, f.Reason)
		}
		c.record(cs, res, started)
		return res, nil
	}
	cs.State = changeset.StateValid

	// Snapshot before the first change touches anything.
	snap, err := c.snapshots.Capture(current, cs.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to capture rollback snapshot: %w", err)
	}
	res.SnapshotID = snap.ID

	cs.State = changeset.StateApplying
	next := current.Clone()

	var failures []error
	ordered := cs.OrderForApply()

	for _, draft := range ordered {
		if ctx.Err() != nil {
			failures = append(failures, fmt.Errorf("apply timed out at change %s: %w", draft.ID, ctx.Err()))
			break
		}

		rc, err := resolve(draft)
		if err != nil {
			failures = append(failures, err)
			break
		}

		applyToState(next, rc)

		if err := c.dispatch(ctx, rc); err != nil {
			failures = append(failures, err)
			metrics.Get().AdapterFailures.WithLabelValues(adapterFor(c.adapters, draft.EntityType)).Inc()
			c.log.Error("change failed", "change_id", draft.ID, "entity_type", string(draft.EntityType), "error", err)
			if draft.Critical {
				break
			}
			if len(failures) > c.abortThreshold {
				break
			}
			continue
		}
		res.Applied++
	}

	if len(failures) > 0 {
		// The batch fails as a unit even under the abort threshold.
		// The threshold only decides when to stop attempting the
		// remaining changes.
		return c.rollbackTo(ctx, cs, res, snap, failures, started)
	}

	if c.checker != nil {
		if err := c.checker.Check(ctx, next); err != nil {
			failures = append(failures, &PreconditionError{Reason: err.Error()})
			return c.rollbackTo(ctx, cs, res, snap, failures, started)
		}
	}

	// Everything held: publish the new state atomically.
	c.engine.Swap(next)
	if c.policyDoc != nil {
		if err := c.policyDoc.Save(next); err != nil {
			c.log.Error("failed to persist policy state", "error", err)
		}
	}

	cs.State = changeset.StateApplied
	res.State = changeset.StateApplied
	metrics.Get().Applies.WithLabelValues("applied").Inc()
	c.log.Audit("apply", cs.ID, map[string]any{
		"changes":     len(cs.Changes),
		"snapshot_id": snap.ID,
		"duration":    c.clock.Now().Sub(started).String(),
	})
	c.record(cs, res, started)
	return res, nil
}

// dispatch routes a resolved change to the adapter handling its entity
// type, bounded by the per-change timeout. Matchers live only in
// engine state; a change with no adapter is state-only and succeeds.
func (c *Coordinator) dispatch(ctx context.Context, rc ResolvedChange) error {
	for _, a := range c.adapters {
		if !a.Handles(rc.Draft.EntityType) {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, c.adapterTimeout)
		err := a.Apply(actx, rc)
		cancel()
		if err != nil {
			return &AdapterError{Adapter: a.Name(), ChangeID: rc.Draft.ID, Err: err}
		}
	}
	return nil
}

// rollbackTo restores the snapshot and reconciles every adapter to the
// restored state. One retry per adapter; a second failure is the loud
// terminal state.
func (c *Coordinator) rollbackTo(ctx context.Context, cs *changeset.ChangeSet, res *Result,
	snap *rollback.Snapshot, failures []error, started time.Time) (*Result, error) {

	for _, f := range failures {
		res.Errors = append(res.Errors, f.Error())
	}
	metrics.Get().Applies.WithLabelValues("failed").Inc()

	restored, err := c.snapshots.Restore(snap.ID)
	if err != nil {
		return c.rollbackFailed(cs, res, snap, failures[0], err, started)
	}

	// Rollback must complete even if the apply context already expired.
	rbCtx := context.WithoutCancel(ctx)
	for _, a := range c.adapters {
		if err := c.syncWithRetry(rbCtx, a, restored); err != nil {
			return c.rollbackFailed(cs, res, snap, failures[0], err, started)
		}
	}

	// Engine never saw the failed state; re-swap anyway so the
	// recorded snapshot is authoritative.
	c.engine.Swap(restored)

	cs.State = changeset.StateRolledBack
	res.State = changeset.StateRolledBack
	metrics.Get().Rollbacks.WithLabelValues("ok").Inc()
	c.log.Warn("change set rolled back", "change_set_id", cs.ID, "snapshot_id", snap.ID, "failures", len(failures))
	c.record(cs, res, started)
	return res, nil
}

func (c *Coordinator) syncWithRetry(ctx context.Context, a Adapter, st *policy.State) error {
	err := a.Sync(ctx, st)
	if err == nil {
		return nil
	}
	c.log.Warn("rollback sync failed, retrying once", "adapter", a.Name(), "error", err)
	if err2 := a.Sync(ctx, st); err2 != nil {
		return fmt.Errorf("adapter %s: %w", a.Name(), err2)
	}
	return nil
}

func (c *Coordinator) rollbackFailed(cs *changeset.ChangeSet, res *Result, snap *rollback.Snapshot,
	cause, rbErr error, started time.Time) (*Result, error) {

	cs.State = changeset.StateFailed
	res.State = changeset.StateFailed
	res.RollbackFailed = true
	rf := &RollbackFailure{Cause: cause, RollbackErr: rbErr, SnapshotID: snap.ID}
	res.Errors = append(res.Errors, rf.Error())
	metrics.Get().Rollbacks.WithLabelValues("failed").Inc()
	c.log.Error("ROLLBACK FAILED, system may be inconsistent",
		"change_set_id", cs.ID, "snapshot_id", snap.ID,
		"cause", cause, "rollback_error", rbErr)
	c.log.Audit("rollback_failure", cs.ID, map[string]any{"snapshot_id": snap.ID})
	c.record(cs, res, started)
	return res, rf
}

// record persists the terminal outcome for the change set history.
func (c *Coordinator) record(cs *changeset.ChangeSet, res *Result, started time.Time) {
	if c.records == nil {
		return
	}
	rec := &state.ChangeSetRecord{
		ID:          cs.ID,
		State:       string(cs.State),
		SubmittedAt: started,
		FinishedAt:  c.clock.Now(),
		ChangeCount: len(cs.Changes),
		Errors:      res.Errors,
		SnapshotID:  res.SnapshotID,
	}
	if err := c.records.Set(rec); err != nil {
		c.log.Warn("failed to record change set outcome", "change_set_id", cs.ID, "error", err)
	}
}

// adapterFor names the first adapter handling the entity type, for
// metrics attribution. "state" when the change is engine-state-only.
func adapterFor(adapters []Adapter, t changeset.EntityType) string {
	for _, a := range adapters {
		if a.Handles(t) {
			return a.Name()
		}
	}
	return "state"
}
