// Package vpn reports WireGuard tunnel health for egress points that
// route through a tunnel interface.
package vpn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"

	"grimm.is/wayout/internal/clock"
)

// HandshakeWindow is how recent a peer handshake must be for the
// tunnel to count as alive. WireGuard rekeys well inside 3 minutes
// when traffic flows.
const HandshakeWindow = 3 * time.Minute

// PeerStatus is one peer's view from the kernel.
type PeerStatus struct {
	PublicKey     string    `json:"public_key"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AllowedIPs    []string  `json:"allowed_ips,omitempty"`
	LastHandshake time.Time `json:"last_handshake"`
	ReceiveBytes  int64     `json:"rx_bytes"`
	TransmitBytes int64     `json:"tx_bytes"`
}

// TunnelStatus is a point-in-time snapshot of one tunnel interface.
type TunnelStatus struct {
	Interface  string       `json:"interface"`
	Up         bool         `json:"up"`
	ListenPort int          `json:"listen_port,omitempty"`
	PublicKey  string       `json:"public_key,omitempty"`
	Peers      []PeerStatus `json:"peers,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
}

// Healthy reports whether the tunnel is up and at least one peer
// completed a handshake within window of CheckedAt.
func (s *TunnelStatus) Healthy(window time.Duration) bool {
	if s == nil || !s.Up {
		return false
	}
	for _, p := range s.Peers {
		if !p.LastHandshake.IsZero() && s.CheckedAt.Sub(p.LastHandshake) <= window {
			return true
		}
	}
	return false
}

// Prober fetches tunnel status for an interface.
type Prober interface {
	Status(iface string) (*TunnelStatus, error)
}

// WGProber queries the kernel via wgctrl. The client is opened lazily
// so construction never requires the WireGuard module to be loaded.
type WGProber struct {
	clock clock.Clock

	mu     sync.Mutex
	client *wgctrl.Client
}

// NewWGProber creates a kernel-backed prober.
func NewWGProber(clk clock.Clock) *WGProber {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &WGProber{clock: clk}
}

// Status returns the current snapshot for iface. A missing interface
// is reported as down, not as an error.
func (p *WGProber) Status(iface string) (*TunnelStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		c, err := wgctrl.New()
		if err != nil {
			return nil, fmt.Errorf("failed to open wgctrl: %w", err)
		}
		p.client = c
	}

	now := p.clock.Now()
	dev, err := p.client.Device(iface)
	if err != nil {
		if strings.Contains(err.Error(), "no such device") || strings.Contains(err.Error(), "not found") {
			return &TunnelStatus{Interface: iface, CheckedAt: now}, nil
		}
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}

	st := &TunnelStatus{
		Interface:  dev.Name,
		Up:         true,
		ListenPort: dev.ListenPort,
		PublicKey:  dev.PublicKey.String(),
		CheckedAt:  now,
	}
	for _, peer := range dev.Peers {
		allowed := make([]string, len(peer.AllowedIPs))
		for i, ip := range peer.AllowedIPs {
			allowed[i] = ip.String()
		}
		ps := PeerStatus{
			PublicKey:     peer.PublicKey.String(),
			AllowedIPs:    allowed,
			LastHandshake: peer.LastHandshakeTime,
			ReceiveBytes:  peer.ReceiveBytes,
			TransmitBytes: peer.TransmitBytes,
		}
		if peer.Endpoint != nil {
			ps.Endpoint = peer.Endpoint.String()
		}
		st.Peers = append(st.Peers, ps)
	}
	return st, nil
}

// Close releases the wgctrl handle.
func (p *WGProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// StaticProber serves fixed statuses, for tests and dry-run mode.
type StaticProber struct {
	Tunnels map[string]*TunnelStatus
}

func (p *StaticProber) Status(iface string) (*TunnelStatus, error) {
	if st, ok := p.Tunnels[iface]; ok {
		return st, nil
	}
	return &TunnelStatus{Interface: iface}, nil
}
