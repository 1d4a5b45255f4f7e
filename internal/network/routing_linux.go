//go:build linux

package network

import (
	"context"
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/policy"
)

const nftTableName = "wayout"

// RoutingAdapter programs egress steering into the kernel: one routing
// table plus ip rule per egress point, and an nftables prerouting
// chain that stamps fwmarks on client traffic.
//
// Only the kernel-expressible match dimensions are programmed here
// (client source, L4 protocol, destination ports). Domain and app
// classification are resolved by the policy engine on the DNS path.
type RoutingAdapter struct {
	log    *logging.Logger
	marks  *MarkAllocator
	conn   *nftables.Conn
	mirror *policy.State
}

// NewRoutingAdapter opens a netlink connection for nftables
// programming. The adapter starts with an empty mirror; call Sync with
// the loaded state before the first Apply.
func NewRoutingAdapter(log *logging.Logger) (*RoutingAdapter, error) {
	if log == nil {
		log = logging.Default().WithComponent("routing")
	}
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	return &RoutingAdapter{
		log:    log,
		marks:  NewMarkAllocator(),
		conn:   conn,
		mirror: policy.NewState(),
	}, nil
}

func (r *RoutingAdapter) Name() string { return "routing" }

func (r *RoutingAdapter) Handles(t changeset.EntityType) bool {
	switch t {
	case changeset.EntityEgressPoint, changeset.EntityRule, changeset.EntityClientGroup:
		return true
	}
	return false
}

// Apply pushes one change. Egress changes touch routing tables and ip
// rules directly; rule and group changes rebuild the marking chain
// from the adapter's mirror of policy state.
func (r *RoutingAdapter) Apply(ctx context.Context, ch apply.ResolvedChange) error {
	switch ch.Draft.EntityType {
	case changeset.EntityEgressPoint:
		if ch.Draft.Op == changeset.OpDelete {
			if err := r.removeEgress(ch.Draft.TargetID); err != nil {
				return err
			}
			delete(r.mirror.Egresses, ch.Draft.TargetID)
		} else {
			if err := r.ensureEgress(ch.Egress); err != nil {
				return err
			}
			r.mirror.Egresses[ch.Egress.ID] = ch.Egress
		}
		return r.reprogramMarks()

	case changeset.EntityRule:
		if ch.Draft.Op == changeset.OpDelete {
			delete(r.mirror.Rules, ch.Draft.TargetID)
		} else {
			r.mirror.Rules[ch.Rule.ID] = ch.Rule
		}
		return r.reprogramMarks()

	case changeset.EntityClientGroup:
		if ch.Draft.Op == changeset.OpDelete {
			delete(r.mirror.Groups, ch.Draft.TargetID)
		} else {
			r.mirror.Groups[ch.Group.ID] = ch.Group
		}
		return r.reprogramMarks()
	}
	return nil
}

// Sync reconciles the kernel to the given full state: stale egress
// allocations are torn down, missing ones created, and the marking
// chain rebuilt.
func (r *RoutingAdapter) Sync(ctx context.Context, st *policy.State) error {
	for id := range r.mirror.Egresses {
		if _, ok := st.Egresses[id]; !ok {
			if err := r.removeEgress(id); err != nil {
				r.log.Warn("failed to tear down stale egress", "egress", id, "error", err)
			}
		}
	}
	for _, e := range st.Egresses {
		if err := r.ensureEgress(e); err != nil {
			return err
		}
	}
	r.mirror = st.Clone()
	return r.reprogramMarks()
}

// ensureEgress installs the ip rule and default route for one egress
// point. Idempotent: existing rules are replaced.
func (r *RoutingAdapter) ensureEgress(e *policy.EgressPoint) error {
	alloc, err := r.marks.Allocate(e.ID)
	if err != nil {
		return err
	}

	link, gw, err := r.resolveNextHop(e)
	if err != nil {
		return fmt.Errorf("egress %s: %w", e.ID, err)
	}

	rule := netlink.NewRule()
	rule.Mark = uint32(alloc.Mark)
	rule.Table = int(alloc.Table)
	rule.Priority = alloc.Priority
	_ = netlink.RuleDel(rule) // replace semantics
	if err := netlink.RuleAdd(rule); err != nil {
		return fmt.Errorf("egress %s: ip rule add: %w", e.ID, err)
	}

	route := &netlink.Route{
		Table:     int(alloc.Table),
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	}
	if gw == nil {
		route.Scope = netlink.SCOPE_LINK
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("egress %s: route replace: %w", e.ID, err)
	}

	r.log.Debug("egress programmed",
		"egress", e.ID, "mark", fmt.Sprintf("0x%x", alloc.Mark),
		"table", int(alloc.Table), "dev", link.Attrs().Name)
	return nil
}

// removeEgress tears down the ip rule and routing table for an egress.
func (r *RoutingAdapter) removeEgress(id string) error {
	alloc, ok := r.marks.Get(id)
	if !ok {
		return nil
	}

	rule := netlink.NewRule()
	rule.Mark = uint32(alloc.Mark)
	rule.Table = int(alloc.Table)
	rule.Priority = alloc.Priority
	if err := netlink.RuleDel(rule); err != nil {
		r.log.Warn("ip rule del failed", "egress", id, "error", err)
	}

	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: int(alloc.Table)}, netlink.RT_FILTER_TABLE)
	if err == nil {
		for i := range routes {
			_ = netlink.RouteDel(&routes[i])
		}
	}

	r.marks.Release(id)
	return nil
}

// resolveNextHop picks the output link and gateway for an egress
// point. WireGuard tunnels route by device; local internet follows the
// main table's default route.
func (r *RoutingAdapter) resolveNextHop(e *policy.EgressPoint) (netlink.Link, net.IP, error) {
	if e.Kind == policy.EgressWireGuardTunnel {
		link, err := netlink.LinkByName(e.TunnelRef)
		if err != nil {
			return nil, nil, fmt.Errorf("tunnel device %q: %w", e.TunnelRef, err)
		}
		return link, nil, nil
	}

	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, nil, err
	}
	for _, rt := range routes {
		if rt.Dst != nil || rt.Gw == nil {
			continue
		}
		link, err := netlink.LinkByIndex(rt.LinkIndex)
		if err != nil {
			return nil, nil, err
		}
		return link, rt.Gw, nil
	}
	return nil, nil, fmt.Errorf("no default route in main table")
}

// reprogramMarks rebuilds the nftables marking chain from the mirror.
// The whole table is replaced in one netlink transaction, so a partial
// state is never visible to the packet path.
func (r *RoutingAdapter) reprogramMarks() error {
	table := &nftables.Table{Name: nftTableName, Family: nftables.TableFamilyIPv4}

	r.conn.DelTable(table)
	_ = r.conn.Flush() // ignore "no such table" on first run

	table = r.conn.AddTable(table)
	chain := r.conn.AddChain(&nftables.Chain{
		Name:     "mark",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityMangle,
	})

	for _, rule := range r.mirror.OrderedRules() {
		alloc, ok := r.marks.Get(rule.EgressPointID)
		if !ok {
			r.log.Warn("rule references unprogrammed egress", "rule", rule.ID, "egress", rule.EgressPointID)
			continue
		}
		for _, gid := range rule.ClientGroupIDs {
			g, ok := r.mirror.Groups[gid]
			if !ok {
				continue
			}
			r.addGroupMarkRules(table, chain, g, rule, alloc.Mark)
		}
	}

	if err := r.conn.Flush(); err != nil {
		return fmt.Errorf("failed to program marking chain: %w", err)
	}
	return nil
}

// addGroupMarkRules emits one nft rule per source specifier of the
// group, each gated on mark == 0 so earlier (higher priority) rules
// win.
func (r *RoutingAdapter) addGroupMarkRules(table *nftables.Table, chain *nftables.Chain,
	g *policy.ClientGroup, rule *policy.Rule, mark RoutingMark) {

	ports := r.portSpecs(rule)

	emit := func(srcExprs []expr.Any) {
		if len(ports) == 0 {
			r.conn.AddRule(&nftables.Rule{
				Table: table, Chain: chain,
				Exprs:    markRuleExprs(srcExprs, nil, mark),
				UserData: []byte(rule.ID),
			})
			return
		}
		for _, ps := range ports {
			r.conn.AddRule(&nftables.Rule{
				Table: table, Chain: chain,
				Exprs:    markRuleExprs(srcExprs, &ps, mark),
				UserData: []byte(rule.ID),
			})
		}
	}

	switch g.Kind {
	case policy.GroupVLAN:
		emit([]expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(fmt.Sprintf("vlan%d", g.VLANID))},
		})

	case policy.GroupCustom:
		for _, cidr := range g.IPRanges {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				if ip := net.ParseIP(cidr); ip != nil {
					ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}
				} else {
					continue
				}
			}
			if ipnet.IP.To4() == nil {
				continue
			}
			emit([]expr.Any{
				// ip saddr, masked
				&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
				&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4,
					Mask: ipnet.Mask, Xor: []byte{0, 0, 0, 0}},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ipnet.IP.To4().Mask(ipnet.Mask)},
			})
		}
		for _, mac := range g.MACAddresses {
			hw, err := net.ParseMAC(mac)
			if err != nil {
				continue
			}
			emit([]expr.Any{
				// ether saddr
				&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseLLHeader, Offset: 6, Len: 6},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: hw},
			})
		}

	case policy.GroupWireGuard:
		// Peer identity is not visible at the IP layer; wireguard
		// groups are steered by the tunnel's own routing.
		r.log.Debug("skipping kernel marks for wireguard group", "group", g.ID)
	}
}

// portSpecs collects the destination port dimensions of every matcher
// the rule references, deduplicated.
func (r *RoutingAdapter) portSpecs(rule *policy.Rule) []policy.PortSpec {
	seen := make(map[policy.PortSpec]bool)
	var out []policy.PortSpec
	for _, mid := range rule.MatcherIDs {
		m, ok := r.mirror.Matchers[mid]
		if !ok {
			continue
		}
		for _, ps := range m.Ports {
			if !seen[ps] {
				seen[ps] = true
				out = append(out, ps)
			}
		}
	}
	return out
}

// markRuleExprs builds the expression list for one marking rule:
// unmarked packets matching the source (and optional dport range) get
// the egress mark.
func markRuleExprs(srcExprs []expr.Any, ports *policy.PortSpec, mark RoutingMark) []expr.Any {
	exprs := []expr.Any{
		// meta mark == 0, so the first matching rule wins
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
	}
	exprs = append(exprs, srcExprs...)

	if ports != nil {
		exprs = append(exprs,
			// tcp or udp destination port within the range
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{unix.IPPROTO_ICMP}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpGte, Register: 1, Data: binaryutil.BigEndian.PutUint16(ports.Start)},
			&expr.Cmp{Op: expr.CmpOpLte, Register: 1, Data: binaryutil.BigEndian.PutUint16(ports.End)},
		)
	}

	exprs = append(exprs,
		&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(uint32(mark))},
		&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
	)
	return exprs
}

// ifname pads an interface name to IFNAMSIZ for nftables matching.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}
