package policy

import (
	"encoding/json"
	"sort"
)

// State is the complete catalog and rule-set state the engine evaluates
// against. A State value is treated as immutable once published: the
// apply pipeline clones, mutates the clone, and swaps.
type State struct {
	Matchers     map[string]*TrafficMatcher `json:"matchers"`
	Groups       map[string]*ClientGroup    `json:"client_groups"`
	Egresses     map[string]*EgressPoint    `json:"egress_points"`
	DNSPolicies  map[string]*DNSPolicy      `json:"dns_policies"`
	Rules        map[string]*Rule           `json:"rules"`
	Reservations map[string]*Reservation    `json:"reservations"`
}

// NewState returns an empty state with all maps allocated.
func NewState() *State {
	return &State{
		Matchers:     make(map[string]*TrafficMatcher),
		Groups:       make(map[string]*ClientGroup),
		Egresses:     make(map[string]*EgressPoint),
		DNSPolicies:  make(map[string]*DNSPolicy),
		Rules:        make(map[string]*Rule),
		Reservations: make(map[string]*Reservation),
	}
}

// Clone returns a deep copy. Used by the apply pipeline to build a
// candidate state without touching the published one.
func (s *State) Clone() *State {
	c := NewState()
	for id, m := range s.Matchers {
		cp := *m
		cp.Protocols = append([]Protocol(nil), m.Protocols...)
		cp.Applications = append([]AppTag(nil), m.Applications...)
		cp.Ports = append([]PortSpec(nil), m.Ports...)
		cp.Domains = append([]DomainPattern(nil), m.Domains...)
		c.Matchers[id] = &cp
	}
	for id, g := range s.Groups {
		cp := *g
		cp.PeerIDs = append([]string(nil), g.PeerIDs...)
		cp.MACAddresses = append([]string(nil), g.MACAddresses...)
		cp.IPRanges = append([]string(nil), g.IPRanges...)
		c.Groups[id] = &cp
	}
	for id, e := range s.Egresses {
		cp := *e
		c.Egresses[id] = &cp
	}
	for id, p := range s.DNSPolicies {
		cp := *p
		cp.Resolvers = append([]string(nil), p.Resolvers...)
		c.DNSPolicies[id] = &cp
	}
	for id, r := range s.Rules {
		cp := *r
		cp.ClientGroupIDs = append([]string(nil), r.ClientGroupIDs...)
		cp.MatcherIDs = append([]string(nil), r.MatcherIDs...)
		if r.Schedule != nil {
			sch := *r.Schedule
			sch.Days = append([]string(nil), r.Schedule.Days...)
			cp.Schedule = &sch
		}
		c.Rules[id] = &cp
	}
	for id, r := range s.Reservations {
		cp := *r
		if r.Options != nil {
			cp.Options = make(map[string]string, len(r.Options))
			for k, v := range r.Options {
				cp.Options[k] = v
			}
		}
		c.Reservations[id] = &cp
	}
	return c
}

// DefaultEgress returns the egress point marked as default, or nil.
// The validator guarantees exactly one exists in any applied state.
func (s *State) DefaultEgress() *EgressPoint {
	for _, e := range s.Egresses {
		if e.IsDefault {
			return e
		}
	}
	return nil
}

// InheritEgressDNSPolicy returns the first DNS policy of kind
// inherit_egress (lowest id for determinism), or nil.
func (s *State) InheritEgressDNSPolicy() *DNSPolicy {
	ids := make([]string, 0, len(s.DNSPolicies))
	for id, p := range s.DNSPolicies {
		if p.Kind == DNSInheritEgress {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return s.DNSPolicies[ids[0]]
}

// OrderedRules returns the enabled rules sorted by (priority ascending,
// id ascending). The id tie-break makes evaluation deterministic when
// priorities collide.
func (s *State) OrderedRules() []*Rule {
	rules := make([]*Rule, 0, len(s.Rules))
	for _, r := range s.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// export is the stable wire form of a State: maps flattened to slices
// sorted by id, so two equal states export to identical bytes.
type export struct {
	Matchers     []*TrafficMatcher `json:"matchers"`
	Groups       []*ClientGroup    `json:"client_groups"`
	Egresses     []*EgressPoint    `json:"egress_points"`
	DNSPolicies  []*DNSPolicy      `json:"dns_policies"`
	Rules        []*Rule           `json:"rules"`
	Reservations []*Reservation    `json:"reservations"`
}

// Export serializes the state deterministically. Used for rollback
// snapshots and for before/after comparison in atomicity checks.
func (s *State) Export() ([]byte, error) {
	var ex export
	for _, id := range sortedKeys(s.Matchers) {
		ex.Matchers = append(ex.Matchers, s.Matchers[id])
	}
	for _, id := range sortedKeys(s.Groups) {
		ex.Groups = append(ex.Groups, s.Groups[id])
	}
	for _, id := range sortedKeys(s.Egresses) {
		ex.Egresses = append(ex.Egresses, s.Egresses[id])
	}
	for _, id := range sortedKeys(s.DNSPolicies) {
		ex.DNSPolicies = append(ex.DNSPolicies, s.DNSPolicies[id])
	}
	for _, id := range sortedKeys(s.Rules) {
		ex.Rules = append(ex.Rules, s.Rules[id])
	}
	for _, id := range sortedKeys(s.Reservations) {
		ex.Reservations = append(ex.Reservations, s.Reservations[id])
	}
	return json.MarshalIndent(&ex, "", "  ")
}

// ImportState deserializes bytes produced by Export.
func ImportState(data []byte) (*State, error) {
	var ex export
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, err
	}
	s := NewState()
	for _, m := range ex.Matchers {
		s.Matchers[m.ID] = m
	}
	for _, g := range ex.Groups {
		s.Groups[g.ID] = g
	}
	for _, e := range ex.Egresses {
		s.Egresses[e.ID] = e
	}
	for _, p := range ex.DNSPolicies {
		s.DNSPolicies[p.ID] = p
	}
	for _, r := range ex.Rules {
		s.Rules[r.ID] = r
	}
	for _, r := range ex.Reservations {
		s.Reservations[r.ID] = r
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
