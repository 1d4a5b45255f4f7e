package vpn

import (
	"testing"
	"time"
)

func TestTunnelHealthy(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name   string
		status *TunnelStatus
		want   bool
	}{
		{"nil status", nil, false},
		{"down", &TunnelStatus{Interface: "wg0", CheckedAt: now}, false},
		{"up no peers", &TunnelStatus{Interface: "wg0", Up: true, CheckedAt: now}, false},
		{
			"fresh handshake",
			&TunnelStatus{
				Up:        true,
				CheckedAt: now,
				Peers:     []PeerStatus{{LastHandshake: now.Add(-30 * time.Second)}},
			},
			true,
		},
		{
			"stale handshake",
			&TunnelStatus{
				Up:        true,
				CheckedAt: now,
				Peers:     []PeerStatus{{LastHandshake: now.Add(-10 * time.Minute)}},
			},
			false,
		},
		{
			"never handshaked",
			&TunnelStatus{
				Up:        true,
				CheckedAt: now,
				Peers:     []PeerStatus{{}},
			},
			false,
		},
		{
			"one stale one fresh",
			&TunnelStatus{
				Up:        true,
				CheckedAt: now,
				Peers: []PeerStatus{
					{LastHandshake: now.Add(-time.Hour)},
					{LastHandshake: now.Add(-time.Minute)},
				},
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Healthy(HandshakeWindow); got != tt.want {
				t.Errorf("Healthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaticProber(t *testing.T) {
	p := &StaticProber{Tunnels: map[string]*TunnelStatus{
		"wg0": {Interface: "wg0", Up: true},
	}}

	st, err := p.Status("wg0")
	if err != nil || !st.Up {
		t.Fatalf("Status(wg0) = %+v, %v", st, err)
	}
	st, err = p.Status("wg1")
	if err != nil || st.Up {
		t.Fatalf("Status(wg1) = %+v, %v, want down", st, err)
	}
}
