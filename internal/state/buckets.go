package state

import (
	"encoding/json"
	"time"

	"grimm.is/wayout/internal/policy"
)

// Standard bucket names
const (
	BucketPolicy     = "policy"      // current policy state document
	BucketSnapshots  = "snapshots"   // rollback snapshots
	BucketChangeSets = "change_sets" // applied/failed change set records
	BucketAudit      = "audit"       // apply audit trail
)

// policyKey is the single key the current policy document lives under.
const policyKey = "current"

// PolicyBucket provides typed access to the persisted policy state.
type PolicyBucket struct {
	store Store
}

// NewPolicyBucket creates the policy bucket accessor.
func NewPolicyBucket(store Store) (*PolicyBucket, error) {
	if err := store.CreateBucket(BucketPolicy); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &PolicyBucket{store: store}, nil
}

// Load reads the persisted policy state. Returns ErrNotFound when the
// store has never been written (first boot).
func (b *PolicyBucket) Load() (*policy.State, error) {
	data, err := b.store.Get(BucketPolicy, policyKey)
	if err != nil {
		return nil, err
	}
	return policy.ImportState(data)
}

// Save persists the policy state as the current document.
func (b *PolicyBucket) Save(st *policy.State) error {
	data, err := st.Export()
	if err != nil {
		return err
	}
	return b.store.Set(BucketPolicy, policyKey, data)
}

// ChangeSetRecord is the stored outcome of a change set attempt.
type ChangeSetRecord struct {
	ID          string    `json:"id"`
	State       string    `json:"state"` // terminal lifecycle state
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
	ChangeCount int       `json:"change_count"`
	Errors      []string  `json:"errors,omitempty"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
}

// ChangeSetBucket provides typed access to change set outcome records.
type ChangeSetBucket struct {
	store Store
}

// NewChangeSetBucket creates the change set bucket accessor.
func NewChangeSetBucket(store Store) (*ChangeSetBucket, error) {
	if err := store.CreateBucket(BucketChangeSets); err != nil && err != ErrBucketExists {
		return nil, err
	}
	return &ChangeSetBucket{store: store}, nil
}

// Get retrieves one record by change set id.
func (b *ChangeSetBucket) Get(id string) (*ChangeSetRecord, error) {
	var rec ChangeSetRecord
	if err := b.store.GetJSON(BucketChangeSets, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Set stores a record.
func (b *ChangeSetBucket) Set(rec *ChangeSetRecord) error {
	return b.store.SetJSON(BucketChangeSets, rec.ID, rec)
}

// List returns all stored records.
func (b *ChangeSetBucket) List() ([]*ChangeSetRecord, error) {
	data, err := b.store.List(BucketChangeSets)
	if err != nil {
		return nil, err
	}
	out := make([]*ChangeSetRecord, 0, len(data))
	for _, v := range data {
		var rec ChangeSetRecord
		if err := unmarshalJSON(v, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
