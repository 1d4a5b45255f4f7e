// Package apply executes validated change sets against the live system:
// it mutates policy state, drives the subsystem adapters, and rolls
// everything back when too much goes wrong.
package apply

import (
	"context"
	"encoding/json"
	"fmt"

	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/policy"
)

// Adapter pushes one slice of policy state out to a subsystem
// (routing tables, DHCP reservations, DNS policy). Adapters must be
// idempotent: applying the same change twice leaves the subsystem in
// the same state.
type Adapter interface {
	// Name identifies the adapter in logs, errors and metrics.
	Name() string

	// Handles reports whether this adapter acts on the entity type.
	Handles(t changeset.EntityType) bool

	// Apply pushes a single resolved change. The context carries the
	// per-change timeout.
	Apply(ctx context.Context, ch ResolvedChange) error

	// Sync reconciles the subsystem to the given full state. Used on
	// rollback, when replaying individual changes backwards is not
	// reliable.
	Sync(ctx context.Context, st *policy.State) error
}

// ResolvedChange is a draft change with its payload decoded. Exactly
// one of the entity pointers is set for create/update; all are nil for
// delete.
type ResolvedChange struct {
	Draft changeset.DraftChange

	Matcher     *policy.TrafficMatcher
	Group       *policy.ClientGroup
	Egress      *policy.EgressPoint
	DNSPolicy   *policy.DNSPolicy
	Rule        *policy.Rule
	Reservation *policy.Reservation
}

// EntityID returns the id the change targets.
func (rc *ResolvedChange) EntityID() string {
	if rc.Draft.Op == changeset.OpDelete {
		return rc.Draft.TargetID
	}
	switch rc.Draft.EntityType {
	case changeset.EntityMatcher:
		return rc.Matcher.ID
	case changeset.EntityClientGroup:
		return rc.Group.ID
	case changeset.EntityEgressPoint:
		return rc.Egress.ID
	case changeset.EntityDNSPolicy:
		return rc.DNSPolicy.ID
	case changeset.EntityRule:
		return rc.Rule.ID
	case changeset.EntityReservation:
		return rc.Reservation.ID
	}
	return ""
}

// resolve decodes a draft change's payload into its typed form.
// Validation has already approved the payload; a decode failure here
// means the change set was mutated after validation.
func resolve(ch changeset.DraftChange) (ResolvedChange, error) {
	rc := ResolvedChange{Draft: ch}
	if ch.Op == changeset.OpDelete {
		return rc, nil
	}

	var err error
	switch ch.EntityType {
	case changeset.EntityMatcher:
		rc.Matcher = &policy.TrafficMatcher{}
		err = json.Unmarshal(ch.Payload, rc.Matcher)
	case changeset.EntityClientGroup:
		rc.Group = &policy.ClientGroup{}
		err = json.Unmarshal(ch.Payload, rc.Group)
	case changeset.EntityEgressPoint:
		rc.Egress = &policy.EgressPoint{}
		err = json.Unmarshal(ch.Payload, rc.Egress)
	case changeset.EntityDNSPolicy:
		rc.DNSPolicy = &policy.DNSPolicy{}
		err = json.Unmarshal(ch.Payload, rc.DNSPolicy)
	case changeset.EntityRule:
		rc.Rule = &policy.Rule{}
		err = json.Unmarshal(ch.Payload, rc.Rule)
	case changeset.EntityReservation:
		rc.Reservation = &policy.Reservation{}
		err = json.Unmarshal(ch.Payload, rc.Reservation)
	default:
		err = fmt.Errorf("unknown entity type %q", ch.EntityType)
	}
	if err != nil {
		return rc, fmt.Errorf("change %s: decode payload: %w", ch.ID, err)
	}
	return rc, nil
}

// applyToState mutates st in place with the resolved change. st is
// always a working clone, never the engine's live state.
func applyToState(st *policy.State, rc ResolvedChange) {
	if rc.Draft.Op == changeset.OpDelete {
		id := rc.Draft.TargetID
		switch rc.Draft.EntityType {
		case changeset.EntityMatcher:
			delete(st.Matchers, id)
		case changeset.EntityClientGroup:
			delete(st.Groups, id)
		case changeset.EntityEgressPoint:
			delete(st.Egresses, id)
		case changeset.EntityDNSPolicy:
			delete(st.DNSPolicies, id)
		case changeset.EntityRule:
			delete(st.Rules, id)
		case changeset.EntityReservation:
			delete(st.Reservations, id)
		}
		return
	}

	switch rc.Draft.EntityType {
	case changeset.EntityMatcher:
		st.Matchers[rc.Matcher.ID] = rc.Matcher
	case changeset.EntityClientGroup:
		st.Groups[rc.Group.ID] = rc.Group
	case changeset.EntityEgressPoint:
		st.Egresses[rc.Egress.ID] = rc.Egress
	case changeset.EntityDNSPolicy:
		st.DNSPolicies[rc.DNSPolicy.ID] = rc.DNSPolicy
	case changeset.EntityRule:
		st.Rules[rc.Rule.ID] = rc.Rule
	case changeset.EntityReservation:
		st.Reservations[rc.Reservation.ID] = rc.Reservation
	}
}
