package monitor

import (
	"context"
	"fmt"

	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/vpn"
)

// Checker verifies a freshly applied state left the network in a
// usable shape: the default egress must be reachable. It satisfies
// the apply coordinator's consistency hook.
type Checker struct {
	Tunnels vpn.Prober
	Ping    PingFunc
	Target  string
	Logger  *logging.Logger
}

// NewChecker builds a Checker with the package defaults.
func NewChecker(tunnels vpn.Prober, log *logging.Logger) *Checker {
	if log == nil {
		log = logging.Default().WithComponent("monitor")
	}
	return &Checker{
		Tunnels: tunnels,
		Ping:    CheckPing,
		Target:  "1.1.1.1",
		Logger:  log,
	}
}

// Check fails when the default egress of st cannot pass traffic.
func (c *Checker) Check(ctx context.Context, st *policy.State) error {
	def := st.DefaultEgress()
	if def == nil {
		return fmt.Errorf("no default egress point")
	}

	switch def.Kind {
	case policy.EgressWireGuardTunnel:
		ts, err := c.Tunnels.Status(def.TunnelRef)
		if err != nil {
			return fmt.Errorf("default egress %s: %w", def.ID, err)
		}
		if !ts.Healthy(vpn.HandshakeWindow) {
			return fmt.Errorf("default egress %s: tunnel %s has no recent handshake", def.ID, def.TunnelRef)
		}
	default:
		if _, err := c.Ping(ctx, c.Target); err != nil {
			return fmt.Errorf("default egress %s: %w", def.ID, err)
		}
	}
	c.Logger.Debug("Consistency check passed", "egress", def.ID)
	return nil
}
