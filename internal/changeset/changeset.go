// Package changeset models batches of pending declarative edits and
// validates them against current policy state before anything is applied.
package changeset

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"grimm.is/wayout/internal/clock"
)

// EntityType identifies what a draft change edits.
type EntityType string

const (
	EntityMatcher     EntityType = "matcher"
	EntityClientGroup EntityType = "client_group"
	EntityEgressPoint EntityType = "egress_point"
	EntityDNSPolicy   EntityType = "dns_policy"
	EntityRule        EntityType = "rule"
	EntityReservation EntityType = "reservation"
)

// Op is the operation a draft change performs.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// DraftChange is one unit of pending, unapplied intent.
// For create/update the payload carries the full entity; for delete
// only the target id matters. Critical marks a change whose failure
// aborts the whole apply regardless of the error threshold.
type DraftChange struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	Op         Op              `json:"op"`
	TargetID   string          `json:"target_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Critical   bool            `json:"critical,omitempty"`
}

// SetState is the lifecycle state of a change set.
type SetState string

const (
	StateDraft      SetState = "Draft"
	StateValidating SetState = "Validating"
	StateValid      SetState = "Valid"
	StateInvalid    SetState = "Invalid"
	StateApplying   SetState = "Applying"
	StateApplied    SetState = "Applied"
	StateRolledBack SetState = "RolledBack"
	StateFailed     SetState = "Failed"
)

// ChangeSet is an ordered batch of draft changes with a lifecycle.
// Invalid and Failed are terminal for the attempt; a corrected
// resubmission is a new ChangeSet.
type ChangeSet struct {
	ID        string        `json:"id"`
	Changes   []DraftChange `json:"changes"`
	State     SetState      `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
}

// New creates a Draft change set with a fresh id.
func New(changes []DraftChange) *ChangeSet {
	return &ChangeSet{
		ID:        uuid.NewString(),
		Changes:   changes,
		State:     StateDraft,
		CreatedAt: clock.Now(),
	}
}

// applyRank orders changes for application: rule deletes detach
// references first, then catalog/reservation edits, then rules that
// depend on them, and catalog deletes last.
func applyRank(c DraftChange) int {
	switch {
	case c.Op == OpDelete && c.EntityType == EntityRule:
		return 0
	case c.Op == OpDelete && c.EntityType == EntityReservation:
		return 1
	case c.Op != OpDelete && c.EntityType != EntityRule:
		return 2
	case c.Op != OpDelete && c.EntityType == EntityRule:
		return 3
	default: // catalog deletes
		return 4
	}
}

// OrderForApply returns the changes sorted into dependency order.
// The sort is stable: submission order is preserved within a rank.
func (cs *ChangeSet) OrderForApply() []DraftChange {
	out := make([]DraftChange, len(cs.Changes))
	copy(out, cs.Changes)
	// insertion sort keeps it stable without pulling in sort.SliceStable
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && applyRank(out[j]) < applyRank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
