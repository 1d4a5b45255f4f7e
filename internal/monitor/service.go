// Package monitor keeps a rolling health view of every egress point.
// Local egresses are probed with ICMP, tunnel egresses through the
// WireGuard handshake age.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/wayout/internal/clock"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/metrics"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/vpn"
)

// PingFunc checks one target and returns the measured round trip.
type PingFunc func(ctx context.Context, target string) (time.Duration, error)

// CheckPing is the default PingFunc, a single unprivileged ICMP echo.
var CheckPing PingFunc = func(ctx context.Context, target string) (time.Duration, error) {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("packet loss")
	}
	return stats.AvgRtt, nil
}

// EgressHealth is the last observed state of one egress point.
type EgressHealth struct {
	EgressID  string        `json:"egress_id"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Options configures a Monitor.
type Options struct {
	Engine  *policy.Engine
	Tunnels vpn.Prober
	Ping    PingFunc    // defaults to CheckPing
	Clock   clock.Clock // defaults to RealClock
	Logger  *logging.Logger

	Interval   time.Duration // defaults to 30s
	PingTarget string        // defaults to 1.1.1.1
}

// Monitor probes egress points on a timer and caches the results.
type Monitor struct {
	engine  *policy.Engine
	tunnels vpn.Prober
	ping    PingFunc
	clock   clock.Clock
	log     *logging.Logger

	interval time.Duration
	target   string

	mu     sync.RWMutex
	health map[string]EgressHealth
}

// New creates a Monitor. It does not start probing until Run.
func New(opts Options) *Monitor {
	if opts.Ping == nil {
		opts.Ping = CheckPing
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default().WithComponent("monitor")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.PingTarget == "" {
		opts.PingTarget = "1.1.1.1"
	}
	return &Monitor{
		engine:   opts.Engine,
		tunnels:  opts.Tunnels,
		ping:     opts.Ping,
		clock:    opts.Clock,
		log:      opts.Logger,
		interval: opts.Interval,
		target:   opts.PingTarget,
		health:   make(map[string]EgressHealth),
	}
}

// Run probes until ctx is cancelled. An initial pass happens
// immediately so Health is populated before the first tick.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("Starting egress monitoring", "interval", m.interval, "target", m.target)
	m.Refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh probes every egress point once and updates the cache.
func (m *Monitor) Refresh(ctx context.Context) {
	st := m.engine.State()
	now := m.clock.Now()
	mr := metrics.Get()

	next := make(map[string]EgressHealth, len(st.Egresses))
	for id, ep := range st.Egresses {
		h := m.check(ctx, ep)
		h.EgressID = id
		h.CheckedAt = now
		next[id] = h

		reachable := 0.0
		if h.Reachable {
			reachable = 1
		} else {
			m.log.Warn("Egress point unreachable", "egress", id, "detail", h.Detail)
		}
		mr.EgressReachable.WithLabelValues(id).Set(reachable)
		mr.EgressLatency.WithLabelValues(id).Set(float64(h.Latency.Milliseconds()))
	}

	m.mu.Lock()
	m.health = next
	m.mu.Unlock()
}

func (m *Monitor) check(ctx context.Context, ep *policy.EgressPoint) EgressHealth {
	switch ep.Kind {
	case policy.EgressWireGuardTunnel:
		ts, err := m.tunnels.Status(ep.TunnelRef)
		if err != nil {
			return EgressHealth{Detail: err.Error()}
		}
		if !ts.Healthy(vpn.HandshakeWindow) {
			return EgressHealth{Detail: "no recent handshake"}
		}
		return EgressHealth{Reachable: true}
	default:
		rtt, err := m.ping(ctx, m.target)
		if err != nil {
			return EgressHealth{Detail: err.Error()}
		}
		return EgressHealth{Reachable: true, Latency: rtt}
	}
}

// Health returns a copy of the current health map.
func (m *Monitor) Health() map[string]EgressHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]EgressHealth, len(m.health))
	for k, v := range m.health {
		out[k] = v
	}
	return out
}

// HealthFor returns the cached health of one egress point.
func (m *Monitor) HealthFor(id string) (EgressHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[id]
	return h, ok
}
