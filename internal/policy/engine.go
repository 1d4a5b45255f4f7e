package policy

import (
	"errors"
	"sync/atomic"

	"grimm.is/wayout/internal/metrics"
)

// ErrNoDefaultEgress is returned when evaluation falls through every rule
// and the state has no default egress point. The validator rejects any
// change set that would leave the system in this condition, so seeing
// this error at runtime means state was mutated outside the pipeline.
var ErrNoDefaultEgress = errors.New("no default egress point configured")

// snapshot is the immutable evaluation view derived from a State.
// Rules are pre-sorted and the default decision pre-resolved so the hot
// path does no sorting or map scans beyond the rule walk itself.
type snapshot struct {
	state   *State
	ordered []*Rule
	// groups/matchers referenced by ordered rules, resolved once
	groupsByRule   map[string][]*ClientGroup
	matchersByRule map[string][]*TrafficMatcher
	defaultEgress  string
	defaultDNS     string
}

func newSnapshot(st *State) *snapshot {
	snap := &snapshot{
		state:          st,
		ordered:        st.OrderedRules(),
		groupsByRule:   make(map[string][]*ClientGroup),
		matchersByRule: make(map[string][]*TrafficMatcher),
	}
	for _, r := range snap.ordered {
		for _, gid := range r.ClientGroupIDs {
			if g, ok := st.Groups[gid]; ok {
				snap.groupsByRule[r.ID] = append(snap.groupsByRule[r.ID], g)
			}
		}
		for _, mid := range r.MatcherIDs {
			if m, ok := st.Matchers[mid]; ok {
				snap.matchersByRule[r.ID] = append(snap.matchersByRule[r.ID], m)
			}
		}
	}
	if def := st.DefaultEgress(); def != nil {
		snap.defaultEgress = def.ID
	}
	if dns := st.InheritEgressDNSPolicy(); dns != nil {
		snap.defaultDNS = dns.ID
	}
	return snap
}

// Engine evaluates traffic descriptors against the live rule set.
// Evaluate is lock-free and safe for concurrent use; Swap atomically
// replaces the whole snapshot and is called only by the apply pipeline.
type Engine struct {
	snap     atomic.Pointer[snapshot]
	recorder *DecisionRecorder
}

// NewEngine creates an engine evaluating against the given state.
func NewEngine(st *State) *Engine {
	e := &Engine{
		recorder: NewDecisionRecorder(defaultRecorderSize),
	}
	e.snap.Store(newSnapshot(st))
	return e
}

// State returns the currently published state. Callers must treat it
// as read-only.
func (e *Engine) State() *State {
	return e.snap.Load().state
}

// Swap atomically publishes a new state. Descriptors being evaluated
// concurrently finish against the snapshot they started with.
func (e *Engine) Swap(st *State) {
	e.snap.Store(newSnapshot(st))
}

// Recorder returns the decision recorder backing the matches API.
func (e *Engine) Recorder() *DecisionRecorder {
	return e.recorder
}

// Evaluate resolves a traffic descriptor to a routing decision.
// First match wins over rules ordered by (priority asc, id asc); if no
// rule matches, the decision falls back to the default egress point
// with the inherit_egress DNS policy.
func (e *Engine) Evaluate(d TrafficDescriptor) (Decision, error) {
	snap := e.snap.Load()

	for _, r := range snap.ordered {
		if !clientInAny(snap.groupsByRule[r.ID], d.Client) {
			continue
		}
		if !trafficMatchesAny(snap.matchersByRule[r.ID], &d) {
			continue
		}
		dec := Decision{
			EgressPointID: r.EgressPointID,
			DNSPolicyID:   r.DNSPolicyID,
			MatchedRuleID: r.ID,
		}
		if dec.DNSPolicyID == "" {
			dec.DNSPolicyID = snap.defaultDNS
		}
		metrics.Get().Decisions.WithLabelValues(dec.EgressPointID, r.ID).Inc()
		e.recorder.Record(d, dec)
		return dec, nil
	}

	if snap.defaultEgress == "" {
		return Decision{}, ErrNoDefaultEgress
	}
	dec := Decision{
		EgressPointID: snap.defaultEgress,
		DNSPolicyID:   snap.defaultDNS,
	}
	metrics.Get().DecisionFallbacks.Inc()
	e.recorder.Record(d, dec)
	return dec, nil
}

func clientInAny(groups []*ClientGroup, c ClientIdentity) bool {
	for _, g := range groups {
		if g.Contains(c) {
			return true
		}
	}
	return false
}

func trafficMatchesAny(matchers []*TrafficMatcher, d *TrafficDescriptor) bool {
	for _, m := range matchers {
		if m.Matches(d) {
			return true
		}
	}
	return false
}
