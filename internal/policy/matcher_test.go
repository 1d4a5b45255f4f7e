package policy

import "testing"

func TestMatcherWildcardDimensions(t *testing.T) {
	// Only ports constrained: every protocol/app/domain matches on 443.
	m := &TrafficMatcher{ID: "tls", Ports: []PortSpec{{Start: 443, End: 443}}}

	match := []TrafficDescriptor{
		{Protocol: "tcp", Port: 443},
		{Protocol: "quic", Application: "netflix", Port: 443},
		{Port: 443, Domain: "example.com"},
	}
	for _, d := range match {
		if !m.Matches(&d) {
			t.Errorf("expected match on 443: %+v", d)
		}
	}

	noMatch := TrafficDescriptor{Protocol: "tcp", Port: 80, Domain: "example.com"}
	if m.Matches(&noMatch) {
		t.Errorf("port 80 must not match regardless of other fields")
	}
}

func TestMatcherAllDimensionsANDed(t *testing.T) {
	m := &TrafficMatcher{
		ID:        "strict",
		Protocols: []Protocol{"tcp"},
		Ports:     []PortSpec{{Start: 443, End: 443}},
		Domains:   []DomainPattern{"*.example.com"},
	}

	if !m.Matches(&TrafficDescriptor{Protocol: "tcp", Port: 443, Domain: "a.example.com"}) {
		t.Error("all dimensions satisfied, expected match")
	}
	if m.Matches(&TrafficDescriptor{Protocol: "udp", Port: 443, Domain: "a.example.com"}) {
		t.Error("wrong protocol must fail the whole matcher")
	}
	if m.Matches(&TrafficDescriptor{Protocol: "tcp", Port: 443, Domain: "example.org"}) {
		t.Error("wrong domain must fail the whole matcher")
	}
}

func TestMatcherEmptyMatchesEverything(t *testing.T) {
	m := &TrafficMatcher{ID: "any"}
	if !m.Matches(&TrafficDescriptor{Protocol: "gre"}) {
		t.Error("empty matcher must match everything")
	}
	if !m.Matches(&TrafficDescriptor{}) {
		t.Error("empty matcher must match the empty descriptor")
	}
}

func TestDomainPattern(t *testing.T) {
	tests := []struct {
		pattern DomainPattern
		domain  string
		want    bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "EXAMPLE.COM", true},
		{"example.com", "a.example.com", false},
		{"*.example.com", "a.example.com", true},
		{"*.example.com", "a.b.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "badexample.com", false},
		{"*.example.com", "", false},
	}
	for _, tt := range tests {
		if got := tt.pattern.Matches(tt.domain); got != tt.want {
			t.Errorf("%q.Matches(%q) = %v, want %v", tt.pattern, tt.domain, got, tt.want)
		}
	}
}

func TestPortSpecParseAndContain(t *testing.T) {
	spec := PortSpec{Start: 10000, End: 20000}
	if !spec.Contains(10000) || !spec.Contains(20000) || !spec.Contains(15000) {
		t.Error("range bounds are inclusive")
	}
	if spec.Contains(9999) || spec.Contains(20001) {
		t.Error("out-of-range ports must not match")
	}
}

func TestClientGroupVLAN(t *testing.T) {
	g := &ClientGroup{ID: "g", Kind: GroupVLAN, VLANID: 60}
	if !g.Contains(ClientIdentity{VLAN: 60}) {
		t.Error("VLAN 60 client should belong")
	}
	if g.Contains(ClientIdentity{VLAN: 61}) || g.Contains(ClientIdentity{}) {
		t.Error("wrong/absent VLAN must not belong")
	}
}

func TestClientGroupWireGuard(t *testing.T) {
	g := &ClientGroup{ID: "g", Kind: GroupWireGuard, PeerIDs: []string{"peer-a", "peer-b"}}
	if !g.Contains(ClientIdentity{PeerID: "peer-a"}) {
		t.Error("listed peer should belong")
	}
	if g.Contains(ClientIdentity{PeerID: "peer-x"}) || g.Contains(ClientIdentity{}) {
		t.Error("unlisted peer must not belong")
	}
}

func TestClientGroupCustom(t *testing.T) {
	g := &ClientGroup{
		ID:           "g",
		Kind:         GroupCustom,
		MACAddresses: []string{"aa:bb:cc:dd:ee:ff"},
		IPRanges:     []string{"192.168.10.0/24"},
	}

	if !g.Contains(ClientIdentity{MAC: "AA:BB:CC:DD:EE:FF"}) {
		t.Error("MAC match should be case-insensitive")
	}
	if !g.Contains(ClientIdentity{IP: "192.168.10.42"}) {
		t.Error("IP inside CIDR should belong")
	}
	if g.Contains(ClientIdentity{IP: "192.168.11.42"}) {
		t.Error("IP outside CIDR must not belong")
	}
	if g.Contains(ClientIdentity{IP: "not-an-ip"}) {
		t.Error("unparseable IP must not belong")
	}
}

func TestStateExportDeterministic(t *testing.T) {
	st := testState()
	a, err := st.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	b, err := st.Clone().Export()
	if err != nil {
		t.Fatalf("Export clone: %v", err)
	}
	if string(a) != string(b) {
		t.Error("equal states must export identical bytes")
	}

	restored, err := ImportState(a)
	if err != nil {
		t.Fatalf("ImportState: %v", err)
	}
	c, _ := restored.Export()
	if string(a) != string(c) {
		t.Error("import/export round trip changed the state")
	}
}

func TestCloneIsDeep(t *testing.T) {
	st := testState()
	cp := st.Clone()
	cp.Rules["voip-out"].EgressPointID = "changed"
	cp.Matchers["voip"].Ports[0].Start = 1

	if st.Rules["voip-out"].EgressPointID == "changed" {
		t.Error("clone shares rule memory with original")
	}
	if st.Matchers["voip"].Ports[0].Start == 1 {
		t.Error("clone shares port slice memory with original")
	}
}
