// Package policy holds the traffic policy data model and the rule engine.
//
// The four catalogs (matchers, client groups, egress points, DNS policies)
// plus the ordered rule set form an immutable State value. The engine
// evaluates traffic descriptors against a snapshot of that state; mutation
// happens only through the change apply pipeline, which swaps in a complete
// new State on success.
package policy

import (
	"net"
	"strings"
	"time"
)

// Protocol is a lowercase protocol or application-protocol name ("tcp",
// "udp", "sip", "https", ...). The classifier feeding the engine decides
// the granularity; the engine only compares.
type Protocol string

// AppTag is an application label assigned by the external classifier
// ("netflix", "voip", "gaming", ...).
type AppTag string

// PortSpec is an inclusive port range. A single port has Start == End.
type PortSpec struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Contains reports whether port falls inside the range.
func (p PortSpec) Contains(port uint16) bool {
	return port >= p.Start && port <= p.End
}

// DomainPattern is an exact domain ("example.com") or a wildcard pattern
// ("*.example.com"). Wildcards match any subdomain by suffix.
type DomainPattern string

// Matches reports whether domain matches the pattern. Matching is
// case-insensitive. "*.example.com" matches "a.example.com" and
// "a.b.example.com" but not "example.com" itself.
func (p DomainPattern) Matches(domain string) bool {
	if domain == "" {
		return false
	}
	pat := strings.ToLower(string(p))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if suffix, ok := strings.CutPrefix(pat, "*."); ok {
		return strings.HasSuffix(domain, "."+suffix)
	}
	return domain == pat
}

// TrafficMatcher is a named filter over the four traffic dimensions.
// An empty set means "don't constrain on this dimension"; the populated
// dimensions are ANDed.
type TrafficMatcher struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Protocols    []Protocol      `json:"protocols,omitempty"`
	Applications []AppTag        `json:"applications,omitempty"`
	Ports        []PortSpec      `json:"ports,omitempty"`
	Domains      []DomainPattern `json:"domains,omitempty"`
}

// Matches reports whether the descriptor satisfies this matcher.
// Each empty dimension is a wildcard for that dimension only.
func (m *TrafficMatcher) Matches(d *TrafficDescriptor) bool {
	if len(m.Protocols) > 0 && !containsProto(m.Protocols, d.Protocol) {
		return false
	}
	if len(m.Applications) > 0 && !containsApp(m.Applications, d.Application) {
		return false
	}
	if len(m.Ports) > 0 {
		hit := false
		for _, p := range m.Ports {
			if p.Contains(d.Port) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(m.Domains) > 0 {
		hit := false
		for _, pat := range m.Domains {
			if pat.Matches(d.Domain) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func containsProto(set []Protocol, p Protocol) bool {
	for _, v := range set {
		if strings.EqualFold(string(v), string(p)) {
			return true
		}
	}
	return false
}

func containsApp(set []AppTag, a AppTag) bool {
	for _, v := range set {
		if strings.EqualFold(string(v), string(a)) {
			return true
		}
	}
	return false
}

// GroupKind selects how a client group resolves membership.
type GroupKind string

const (
	GroupVLAN      GroupKind = "vlan"
	GroupWireGuard GroupKind = "wireguard"
	GroupCustom    GroupKind = "custom"
)

// ClientGroup is a named, resolvable set of client identities.
// Exactly one membership mechanism is populated, selected by Kind.
type ClientGroup struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Kind GroupKind `json:"kind"`

	VLANID       int      `json:"vlan_id,omitempty"`       // kind = vlan
	PeerIDs      []string `json:"wg_peer_ids,omitempty"`   // kind = wireguard
	MACAddresses []string `json:"mac_addresses,omitempty"` // kind = custom
	IPRanges     []string `json:"ip_ranges,omitempty"`     // kind = custom, CIDR
}

// ClientIdentity is the resolved identity of the client originating
// a piece of traffic, as produced by the external classifier.
type ClientIdentity struct {
	MAC    string `json:"mac,omitempty"`
	IP     string `json:"ip,omitempty"`
	VLAN   int    `json:"vlan,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
}

// Contains reports whether the client identity belongs to this group.
func (g *ClientGroup) Contains(c ClientIdentity) bool {
	switch g.Kind {
	case GroupVLAN:
		return g.VLANID != 0 && c.VLAN == g.VLANID
	case GroupWireGuard:
		if c.PeerID == "" {
			return false
		}
		for _, id := range g.PeerIDs {
			if id == c.PeerID {
				return true
			}
		}
		return false
	case GroupCustom:
		if c.MAC != "" {
			for _, mac := range g.MACAddresses {
				if strings.EqualFold(mac, c.MAC) {
					return true
				}
			}
		}
		if c.IP != "" {
			ip := net.ParseIP(c.IP)
			if ip == nil {
				return false
			}
			for _, cidr := range g.IPRanges {
				_, ipnet, err := net.ParseCIDR(cidr)
				if err != nil {
					continue
				}
				if ipnet.Contains(ip) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// EgressKind selects the kind of egress point.
type EgressKind string

const (
	EgressLocalInternet   EgressKind = "local_internet"
	EgressWireGuardTunnel EgressKind = "wireguard_tunnel"
)

// EgressHealth is health metadata attached to an egress point.
// It is advisory: the engine routes to unhealthy egresses too, but the
// apply consistency check refuses to promote an unreachable default.
type EgressHealth struct {
	LatencyMS float64   `json:"latency_ms"`
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// EgressPoint is a named path by which client traffic reaches the
// internet: the local ISP uplink or a specific WireGuard tunnel.
type EgressPoint struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Kind      EgressKind   `json:"kind"`
	TunnelRef string       `json:"tunnel_ref,omitempty"` // required iff kind = wireguard_tunnel
	IsDefault bool         `json:"is_default"`
	Health    EgressHealth `json:"health"`
}

// DNSKind selects a DNS resolution behavior.
type DNSKind string

const (
	DNSFiltered        DNSKind = "filtered"
	DNSBypass          DNSKind = "bypass"
	DNSCustomResolvers DNSKind = "custom_resolvers"
	DNSInheritEgress   DNSKind = "inherit_egress"
)

// DNSPolicy is a named DNS resolution behavior. Stateless beyond its
// declared fields.
type DNSPolicy struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        DNSKind  `json:"kind"`
	Blocklists  bool     `json:"blocklists,omitempty"`
	Resolvers   []string `json:"resolvers,omitempty"`
	DoHEndpoint string   `json:"doh_endpoint,omitempty"`
}

// Schedule restricts a rule to a time window. Advisory metadata:
// enforcement is performed by the external subsystems.
type Schedule struct {
	TimeStart string   `json:"time_start,omitempty"` // "HH:MM"
	TimeEnd   string   `json:"time_end,omitempty"`   // "HH:MM"
	Days      []string `json:"days,omitempty"`
}

// Rule routes matching traffic from matching clients to an egress point
// with an optional DNS policy. Groups are OR'd together, matchers are
// OR'd together; a rule matches when any group contains the client AND
// any matcher matches the traffic.
type Rule struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Priority       int       `json:"priority"` // lower = evaluated first
	Enabled        bool      `json:"enabled"`
	ClientGroupIDs []string  `json:"client_group_ids"`
	MatcherIDs     []string  `json:"matcher_ids"`
	DNSPolicyID    string    `json:"dns_policy_id,omitempty"`
	EgressPointID  string    `json:"egress_point_id"`
	QoSClass       string    `json:"qos_class,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
}

// Reservation is a DHCP device reservation: a fixed address (and
// optional hostname / options) for a MAC.
type Reservation struct {
	ID       string            `json:"id"`
	MAC      string            `json:"mac"`
	IP       string            `json:"ip"`
	Hostname string            `json:"hostname,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// TrafficDescriptor is the ephemeral evaluation input: one piece of
// classified traffic.
type TrafficDescriptor struct {
	Client      ClientIdentity `json:"client"`
	Protocol    Protocol       `json:"protocol,omitempty"`
	Application AppTag         `json:"application,omitempty"`
	Port        uint16         `json:"port,omitempty"`
	Domain      string         `json:"domain,omitempty"`
}

// Decision is the ephemeral evaluation output.
type Decision struct {
	EgressPointID string `json:"egress_point_id"`
	DNSPolicyID   string `json:"dns_policy_id,omitempty"`
	MatchedRuleID string `json:"matched_rule_id,omitempty"` // empty on default fallback
}
