// Package rollback captures and restores versioned snapshots of policy
// state so a failed apply can return the system to its prior
// configuration.
package rollback

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"grimm.is/wayout/internal/clock"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/state"
)

// SchemaVersion is bumped whenever the snapshot layout changes in an
// incompatible way. Restore refuses snapshots from a different schema.
const SchemaVersion = 1

// Snapshot is a point-in-time copy of the full policy state.
type Snapshot struct {
	ID            string          `json:"id"`
	SchemaVersion int             `json:"schema_version"`
	CapturedAt    time.Time       `json:"captured_at"`
	ChangeSetID   string          `json:"change_set_id,omitempty"` // the apply that triggered the capture
	State         json.RawMessage `json:"state"`
}

// Store persists snapshots in the state store's snapshot bucket.
type Store struct {
	store  state.Store
	clock  clock.Clock
	log    *logging.Logger
	retain int
}

// Options configures the snapshot store.
type Options struct {
	Store  state.Store
	Clock  clock.Clock // defaults to RealClock
	Logger *logging.Logger
	Retain int // snapshots to keep, 0 means keep all
}

// NewStore creates the snapshot store, ensuring its bucket exists.
func NewStore(opts Options) (*Store, error) {
	if err := opts.Store.CreateBucket(state.BucketSnapshots); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("rollback")
	}
	return &Store{store: opts.Store, clock: clk, log: log, retain: opts.Retain}, nil
}

// Capture serializes the given state into a new snapshot and persists
// it before any apply work begins.
func (s *Store) Capture(st *policy.State, changeSetID string) (*Snapshot, error) {
	data, err := st.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}

	snap := &Snapshot{
		ID:            uuid.NewString(),
		SchemaVersion: SchemaVersion,
		CapturedAt:    s.clock.Now(),
		ChangeSetID:   changeSetID,
		State:         data,
	}
	if err := s.store.SetJSON(state.BucketSnapshots, snap.ID, snap); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	s.log.Debug("captured snapshot", "snapshot_id", snap.ID, "change_set_id", changeSetID)

	if s.retain > 0 {
		if err := s.Prune(s.retain); err != nil {
			s.log.Warn("snapshot prune failed", "error", err)
		}
	}
	return snap, nil
}

// Get loads one snapshot by id.
func (s *Store) Get(id string) (*Snapshot, error) {
	var snap Snapshot
	if err := s.store.GetJSON(state.BucketSnapshots, id, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Restore deserializes a snapshot back into a policy state. It refuses
// snapshots written under a different schema version.
func (s *Store) Restore(id string) (*policy.State, error) {
	snap, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if snap.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("snapshot %s has schema version %d, expected %d",
			id, snap.SchemaVersion, SchemaVersion)
	}
	st, err := policy.ImportState(snap.State)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize snapshot %s: %w", id, err)
	}
	return st, nil
}

// List returns all snapshots, newest first. State payloads are
// included; callers listing for display should drop them.
func (s *Store) List() ([]*Snapshot, error) {
	data, err := s.store.List(state.BucketSnapshots)
	if err != nil {
		return nil, err
	}
	snaps := make([]*Snapshot, 0, len(data))
	for _, raw := range data {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			s.log.Warn("skipping unreadable snapshot", "error", err)
			continue
		}
		snaps = append(snaps, &snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CapturedAt.Equal(snaps[j].CapturedAt) {
			return snaps[i].CapturedAt.After(snaps[j].CapturedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *Store) Prune(keep int) error {
	snaps, err := s.List()
	if err != nil {
		return err
	}
	for _, snap := range snaps[min(keep, len(snaps)):] {
		if err := s.store.Delete(state.BucketSnapshots, snap.ID); err != nil && err != state.ErrNotFound {
			return err
		}
	}
	return nil
}
