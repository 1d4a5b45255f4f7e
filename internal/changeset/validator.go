package changeset

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"grimm.is/wayout/internal/metrics"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/validation"
)

// Config tunes the validator's business rules.
type Config struct {
	// UniqueGroupVLAN enforces at most one enabled rule per
	// (client group, VLAN) combination across the final state.
	UniqueGroupVLAN bool
}

// Validator checks a change set for structural correctness, referential
// integrity and conflicts against a given current state. Validate is a
// pure function of its inputs and never mutates the state, so it can
// serve dry-run requests at any rate.
type Validator struct {
	cfg Config
}

// NewValidator creates a validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// view tracks the effective entity sets while walking the batch in
// submission order. An id "exists" for a later change if it is in
// current state and not deleted earlier, or created earlier.
type view struct {
	current *policy.State
	created map[EntityType]map[string]bool
	deleted map[EntityType]map[string]bool
}

func newView(current *policy.State) *view {
	v := &view{
		current: current,
		created: make(map[EntityType]map[string]bool),
		deleted: make(map[EntityType]map[string]bool),
	}
	for _, t := range []EntityType{EntityMatcher, EntityClientGroup, EntityEgressPoint, EntityDNSPolicy, EntityRule, EntityReservation} {
		v.created[t] = make(map[string]bool)
		v.deleted[t] = make(map[string]bool)
	}
	return v
}

func (v *view) inCurrent(t EntityType, id string) bool {
	switch t {
	case EntityMatcher:
		_, ok := v.current.Matchers[id]
		return ok
	case EntityClientGroup:
		_, ok := v.current.Groups[id]
		return ok
	case EntityEgressPoint:
		_, ok := v.current.Egresses[id]
		return ok
	case EntityDNSPolicy:
		_, ok := v.current.DNSPolicies[id]
		return ok
	case EntityRule:
		_, ok := v.current.Rules[id]
		return ok
	case EntityReservation:
		_, ok := v.current.Reservations[id]
		return ok
	}
	return false
}

func (v *view) exists(t EntityType, id string) bool {
	if v.created[t][id] {
		return true
	}
	return v.inCurrent(t, id) && !v.deleted[t][id]
}

// Validate runs the full validation pass and returns every error and
// warning in one result.
func (v *Validator) Validate(cs *ChangeSet, current *policy.State) *ValidationResult {
	res := &ValidationResult{}
	view := newView(current)

	// pendingRules/pendingGroups hold decoded payloads for the
	// cross-batch conflict checks after the per-change walk.
	pendingRules := make(map[string]*policy.Rule)
	pendingGroups := make(map[string]*policy.ClientGroup)
	pendingEgresses := make(map[string]*policy.EgressPoint)

	for i := range cs.Changes {
		ch := &cs.Changes[i]
		v.validateChange(ch, view, res, pendingRules, pendingGroups, pendingEgresses)
	}

	v.checkEgressConflicts(cs, current, view, pendingEgresses, pendingRules, res)
	if v.cfg.UniqueGroupVLAN {
		v.checkGroupVLANUniqueness(current, view, pendingRules, pendingGroups, res)
	}
	v.softChecks(current, view, pendingRules, pendingGroups, res)

	res.Valid = len(res.Errors) == 0
	if res.Valid {
		metrics.Get().Validations.WithLabelValues("valid").Inc()
	} else {
		metrics.Get().Validations.WithLabelValues("invalid").Inc()
	}
	return res
}

func (v *Validator) validateChange(ch *DraftChange, view *view, res *ValidationResult,
	pendingRules map[string]*policy.Rule, pendingGroups map[string]*policy.ClientGroup,
	pendingEgresses map[string]*policy.EgressPoint) {

	switch ch.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "op", Reason: fmt.Sprintf("unknown op %q", ch.Op)})
		return
	}

	switch ch.EntityType {
	case EntityMatcher, EntityClientGroup, EntityEgressPoint, EntityDNSPolicy, EntityRule, EntityReservation:
	default:
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", ch.EntityType)})
		return
	}

	if ch.Op == OpDelete {
		if ch.TargetID == "" {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: "target_id", Reason: "delete requires a target id"})
			return
		}
		if !view.exists(ch.EntityType, ch.TargetID) {
			res.addError(&ReferentialError{ChangeID: ch.ID, MissingID: ch.TargetID,
				ReferencedBy: fmt.Sprintf("delete of %s", ch.EntityType)})
			return
		}
		view.deleted[ch.EntityType][ch.TargetID] = true
		view.created[ch.EntityType][ch.TargetID] = false
		switch ch.EntityType {
		case EntityRule:
			delete(pendingRules, ch.TargetID)
		case EntityClientGroup:
			delete(pendingGroups, ch.TargetID)
		case EntityEgressPoint:
			delete(pendingEgresses, ch.TargetID)
		}
		return
	}

	// create / update: decode and structurally validate the payload
	id, err := v.validatePayload(ch, view, res, pendingRules, pendingGroups, pendingEgresses)
	if err != nil {
		res.addError(err)
		return
	}

	if ch.Op == OpCreate {
		if view.exists(ch.EntityType, id) {
			res.addError(&ConflictError{ChangeID: ch.ID,
				Reason:      fmt.Sprintf("%s %q already exists", ch.EntityType, id),
				InvolvedIDs: []string{id}})
			return
		}
		view.created[ch.EntityType][id] = true
	} else { // update
		if !view.exists(ch.EntityType, id) {
			res.addError(&ReferentialError{ChangeID: ch.ID, MissingID: id,
				ReferencedBy: fmt.Sprintf("update of %s", ch.EntityType)})
			return
		}
	}
}

// validatePayload decodes the payload per entity kind (explicit
// tagged-union dispatch) and runs the field-level checks. It records
// decoded rules/groups/egresses for the later conflict pass and returns
// the entity id.
func (v *Validator) validatePayload(ch *DraftChange, view *view, res *ValidationResult,
	pendingRules map[string]*policy.Rule, pendingGroups map[string]*policy.ClientGroup,
	pendingEgresses map[string]*policy.EgressPoint) (string, error) {

	if len(ch.Payload) == 0 {
		return "", &ValidationError{ChangeID: ch.ID, Field: "payload", Reason: "payload required for create/update"}
	}

	switch ch.EntityType {
	case EntityMatcher:
		var m policy.TrafficMatcher
		if err := json.Unmarshal(ch.Payload, &m); err != nil {
			return "", &ValidationError{ChangeID: ch.ID, Field: "payload", Reason: err.Error()}
		}
		v.validateMatcher(ch, &m, res)
		return m.ID, v.requireID(ch, m.ID)

	case EntityClientGroup:
		var g policy.ClientGroup
		if err := json.Unmarshal(ch.Payload, &g); err != nil {
			return "", &ValidationError{ChangeID: ch.ID, Field: "payload", Reason: err.Error()}
		}
		v.validateGroup(ch, &g, res)
		pendingGroups[g.ID] = &g
		return g.ID, v.requireID(ch, g.ID)

	case EntityEgressPoint:
		var e policy.EgressPoint
		if err := json.Unmarshal(ch.Payload, &e); err != nil {
			return "", &ValidationError{ChangeID: ch.ID, Field: "payload", Reason: err.Error()}
		}
		v.validateEgress(ch, &e, res)
		pendingEgresses[e.ID] = &e
		return e.ID, v.requireID(ch, e.ID)

	case EntityDNSPolicy:
		var p policy.DNSPolicy
		if err := json.Unmarshal(ch.Payload, &p); err != nil {
			return "", &ValidationError{ChangeID: ch.ID, Field: "payload", Reason: err.Error()}
		}
		v.validateDNSPolicy(ch, &p, res)
		return p.ID, v.requireID(ch, p.ID)

	case EntityRule:
		var r policy.Rule
		if err := json.Unmarshal(ch.Payload, &r); err != nil {
			return "", &ValidationError{ChangeID: ch.ID, Field: "payload", Reason: err.Error()}
		}
		v.validateRule(ch, &r, view, res)
		pendingRules[r.ID] = &r
		return r.ID, v.requireID(ch, r.ID)

	case EntityReservation:
		var r policy.Reservation
		if err := json.Unmarshal(ch.Payload, &r); err != nil {
			return "", &ValidationError{ChangeID: ch.ID, Field: "payload", Reason: err.Error()}
		}
		v.validateReservation(ch, &r, res)
		return r.ID, v.requireID(ch, r.ID)
	}
	return "", &ValidationError{ChangeID: ch.ID, Field: "entity_type", Reason: "unhandled entity type"}
}

func (v *Validator) requireID(ch *DraftChange, id string) error {
	if id == "" {
		return &ValidationError{ChangeID: ch.ID, Field: "id", Reason: "entity id required"}
	}
	if err := validation.ValidateIdentifier(id); err != nil {
		return &ValidationError{ChangeID: ch.ID, Field: "id", Reason: err.Error()}
	}
	if ch.Op == OpUpdate && ch.TargetID != "" && ch.TargetID != id {
		return &ValidationError{ChangeID: ch.ID, Field: "target_id",
			Reason: fmt.Sprintf("target id %q does not match payload id %q", ch.TargetID, id)}
	}
	return nil
}

func (v *Validator) validateMatcher(ch *DraftChange, m *policy.TrafficMatcher, res *ValidationResult) {
	for i, p := range m.Protocols {
		if err := validation.ValidateProtocol(string(p)); err != nil {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: fmt.Sprintf("protocols[%d]", i), Reason: err.Error()})
		}
	}
	for i, ps := range m.Ports {
		if ps.Start < 1 {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: fmt.Sprintf("ports[%d]", i),
				Reason: fmt.Sprintf("invalid port number: %d (must be 1-65535)", ps.Start)})
		}
		if ps.Start > ps.End {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: fmt.Sprintf("ports[%d]", i),
				Reason: fmt.Sprintf("port range start %d greater than end %d", ps.Start, ps.End)})
		}
	}
	for i, d := range m.Domains {
		if err := validation.ValidateDomainPattern(string(d)); err != nil {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: fmt.Sprintf("domains[%d]", i), Reason: err.Error()})
		}
	}
}

func (v *Validator) validateGroup(ch *DraftChange, g *policy.ClientGroup, res *ValidationResult) {
	switch g.Kind {
	case policy.GroupVLAN:
		if err := validation.ValidateVLAN(g.VLANID); err != nil {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: "vlan_id", Reason: err.Error()})
		}
	case policy.GroupWireGuard:
		// zero members is a warning, not an error; see softChecks
	case policy.GroupCustom:
		for i, mac := range g.MACAddresses {
			if err := validation.ValidateMAC(mac); err != nil {
				res.addError(&ValidationError{ChangeID: ch.ID, Field: fmt.Sprintf("mac_addresses[%d]", i), Reason: err.Error()})
			}
		}
		for i, cidr := range g.IPRanges {
			if err := validation.ValidateIPOrCIDR(cidr); err != nil {
				res.addError(&ValidationError{ChangeID: ch.ID, Field: fmt.Sprintf("ip_ranges[%d]", i), Reason: err.Error()})
			}
		}
	default:
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "kind", Reason: fmt.Sprintf("unknown group kind %q", g.Kind)})
	}
}

func (v *Validator) validateEgress(ch *DraftChange, e *policy.EgressPoint, res *ValidationResult) {
	switch e.Kind {
	case policy.EgressLocalInternet:
		if e.TunnelRef != "" {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: "tunnel_ref", Reason: "tunnel_ref only valid for wireguard_tunnel egress"})
		}
	case policy.EgressWireGuardTunnel:
		if e.TunnelRef == "" {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: "tunnel_ref", Reason: "wireguard_tunnel egress requires tunnel_ref"})
		}
	default:
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "kind", Reason: fmt.Sprintf("unknown egress kind %q", e.Kind)})
	}
}

func (v *Validator) validateDNSPolicy(ch *DraftChange, p *policy.DNSPolicy, res *ValidationResult) {
	switch p.Kind {
	case policy.DNSFiltered, policy.DNSBypass, policy.DNSInheritEgress:
	case policy.DNSCustomResolvers:
		if len(p.Resolvers) == 0 {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: "resolvers", Reason: "custom_resolvers policy requires at least one resolver"})
		}
	default:
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "kind", Reason: fmt.Sprintf("unknown DNS policy kind %q", p.Kind)})
	}
	for i, r := range p.Resolvers {
		if err := validation.ValidateIP(r); err != nil {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: fmt.Sprintf("resolvers[%d]", i), Reason: err.Error()})
		}
	}
	if p.DoHEndpoint != "" {
		u, err := url.Parse(p.DoHEndpoint)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			res.addError(&ValidationError{ChangeID: ch.ID, Field: "doh_endpoint", Reason: fmt.Sprintf("invalid DoH endpoint: %s", p.DoHEndpoint)})
		}
	}
}

func (v *Validator) validateRule(ch *DraftChange, r *policy.Rule, view *view, res *ValidationResult) {
	if len(r.ClientGroupIDs) == 0 {
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "client_group_ids", Reason: "rule requires at least one client group"})
	}
	if len(r.MatcherIDs) == 0 {
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "matcher_ids", Reason: "rule requires at least one matcher"})
	}
	if r.EgressPointID == "" {
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "egress_point_id", Reason: "rule requires exactly one egress point"})
	}
	if r.Priority < 0 || r.Priority > 65535 {
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "priority", Reason: fmt.Sprintf("priority must be 0-65535, got %d", r.Priority)})
	}
	if r.Schedule != nil {
		if r.Schedule.TimeStart != "" {
			if err := validation.ValidateTimeOfDay(r.Schedule.TimeStart); err != nil {
				res.addError(&ValidationError{ChangeID: ch.ID, Field: "schedule.time_start", Reason: err.Error()})
			}
		}
		if r.Schedule.TimeEnd != "" {
			if err := validation.ValidateTimeOfDay(r.Schedule.TimeEnd); err != nil {
				res.addError(&ValidationError{ChangeID: ch.ID, Field: "schedule.time_end", Reason: err.Error()})
			}
		}
	}

	// Referential integrity: references may be satisfied by current
	// state or by an earlier create within the same batch.
	ruleRef := fmt.Sprintf("rule %q", r.ID)
	for _, gid := range r.ClientGroupIDs {
		if !view.exists(EntityClientGroup, gid) {
			res.addError(&ReferentialError{ChangeID: ch.ID, MissingID: gid, ReferencedBy: ruleRef})
		}
	}
	for _, mid := range r.MatcherIDs {
		if !view.exists(EntityMatcher, mid) {
			res.addError(&ReferentialError{ChangeID: ch.ID, MissingID: mid, ReferencedBy: ruleRef})
		}
	}
	if r.EgressPointID != "" && !view.exists(EntityEgressPoint, r.EgressPointID) {
		res.addError(&ReferentialError{ChangeID: ch.ID, MissingID: r.EgressPointID, ReferencedBy: ruleRef})
	}
	if r.DNSPolicyID != "" && !view.exists(EntityDNSPolicy, r.DNSPolicyID) {
		res.addError(&ReferentialError{ChangeID: ch.ID, MissingID: r.DNSPolicyID, ReferencedBy: ruleRef})
	}
}

func (v *Validator) validateReservation(ch *DraftChange, r *policy.Reservation, res *ValidationResult) {
	if err := validation.ValidateMAC(r.MAC); err != nil {
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "mac", Reason: err.Error()})
	}
	if err := validation.ValidateIP(r.IP); err != nil {
		res.addError(&ValidationError{ChangeID: ch.ID, Field: "ip", Reason: err.Error()})
	}
}

// checkEgressConflicts verifies the default-egress invariants and that
// no deleted egress is still referenced by an enabled rule surviving
// the batch.
func (v *Validator) checkEgressConflicts(cs *ChangeSet, current *policy.State, view *view,
	pendingEgresses map[string]*policy.EgressPoint, pendingRules map[string]*policy.Rule,
	res *ValidationResult) {

	// Final egress set: current minus deletes, overlaid with pending edits.
	defaults := []string{}
	finalEgress := make(map[string]bool)
	for id, e := range current.Egresses {
		if view.deleted[EntityEgressPoint][id] {
			continue
		}
		finalEgress[id] = true
		if pe, ok := pendingEgresses[id]; ok {
			if pe.IsDefault {
				defaults = append(defaults, id)
			}
			continue
		}
		if e.IsDefault {
			defaults = append(defaults, id)
		}
	}
	for id, pe := range pendingEgresses {
		if finalEgress[id] || view.deleted[EntityEgressPoint][id] {
			continue
		}
		finalEgress[id] = true
		if pe.IsDefault {
			defaults = append(defaults, id)
		}
	}
	sort.Strings(defaults)

	if len(defaults) == 0 {
		// Name the offending change when the batch removed the default.
		changeID := ""
		for _, ch := range cs.Changes {
			if ch.EntityType == EntityEgressPoint {
				changeID = ch.ID
			}
		}
		res.addError(&ConflictError{ChangeID: changeID,
			Reason: "batch would leave the system without a default egress point"})
	} else if len(defaults) > 1 {
		res.addError(&ConflictError{
			Reason:      "more than one default egress point after applying the batch",
			InvolvedIDs: defaults})
	}

	// Deleting an egress still referenced by an enabled surviving rule.
	for egressID := range view.deleted[EntityEgressPoint] {
		for _, r := range v.finalRules(current, view, pendingRules) {
			if r.Enabled && r.EgressPointID == egressID {
				res.addError(&ConflictError{
					Reason:      fmt.Sprintf("egress point %q is deleted but still referenced by enabled rule %q", egressID, r.ID),
					InvolvedIDs: []string{egressID, r.ID}})
			}
		}
	}
}

// finalRules returns the rule set as it would look after the batch.
func (v *Validator) finalRules(current *policy.State, view *view, pendingRules map[string]*policy.Rule) []*policy.Rule {
	out := make([]*policy.Rule, 0, len(current.Rules)+len(pendingRules))
	for id, r := range current.Rules {
		if view.deleted[EntityRule][id] {
			continue
		}
		if pr, ok := pendingRules[id]; ok {
			out = append(out, pr)
			continue
		}
		out = append(out, r)
	}
	for id, pr := range pendingRules {
		if _, inCurrent := current.Rules[id]; !inCurrent {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// checkGroupVLANUniqueness enforces the optional one-rule-per-
// (group, VLAN) business rule. Duplicates are errors, not warnings.
func (v *Validator) checkGroupVLANUniqueness(current *policy.State, view *view,
	pendingRules map[string]*policy.Rule, pendingGroups map[string]*policy.ClientGroup,
	res *ValidationResult) {

	groupVLAN := func(gid string) (int, bool) {
		if g, ok := pendingGroups[gid]; ok {
			return g.VLANID, g.Kind == policy.GroupVLAN
		}
		if g, ok := current.Groups[gid]; ok {
			return g.VLANID, g.Kind == policy.GroupVLAN
		}
		return 0, false
	}

	seen := make(map[string]string) // "group/vlan" -> first rule id
	for _, r := range v.finalRules(current, view, pendingRules) {
		if !r.Enabled {
			continue
		}
		for _, gid := range r.ClientGroupIDs {
			vlan, ok := groupVLAN(gid)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s/%d", gid, vlan)
			if first, dup := seen[key]; dup && first != r.ID {
				res.addError(&ConflictError{
					Reason:      fmt.Sprintf("duplicate policy for client group %q on VLAN %d", gid, vlan),
					InvolvedIDs: []string{first, r.ID}})
			} else {
				seen[key] = r.ID
			}
		}
	}
}

// softChecks emits warnings for configurations that are legal but
// probably not what the operator meant.
func (v *Validator) softChecks(current *policy.State, view *view,
	pendingRules map[string]*policy.Rule, pendingGroups map[string]*policy.ClientGroup,
	res *ValidationResult) {

	for id, r := range pendingRules {
		if r.Schedule != nil && r.Schedule.TimeStart == "" && r.Schedule.TimeEnd == "" {
			res.addWarning("", fmt.Sprintf("rule[%s].schedule", id), "schedule present but no hours configured")
		}
	}
	for id, g := range pendingGroups {
		empty := false
		switch g.Kind {
		case policy.GroupWireGuard:
			empty = len(g.PeerIDs) == 0
		case policy.GroupCustom:
			empty = len(g.MACAddresses) == 0 && len(g.IPRanges) == 0
		}
		if empty {
			res.addWarning("", fmt.Sprintf("client_group[%s]", id), "group has zero members")
		}
	}
}
