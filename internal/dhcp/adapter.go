// Package dhcp materializes address reservations for the DHCP server:
// it validates reservation payloads, renders their extra options into
// wire form, and publishes them to the state bucket the lease engine
// answers from.
package dhcp

import (
	"context"
	"fmt"
	"net"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/state"
)

// BucketReservations is where rendered reservations live. The lease
// engine reads this bucket when answering DISCOVER/REQUEST.
const BucketReservations = "dhcp_reservations"

// Binding is a reservation rendered to its wire-level form.
type Binding struct {
	MAC      string            `json:"mac"`
	IP       string            `json:"ip"`
	Hostname string            `json:"hostname,omitempty"`
	Options  map[uint8][]byte  `json:"options,omitempty"` // option code -> encoded value
}

// ReservationAdapter publishes policy reservations to the DHCP
// reservation bucket.
type ReservationAdapter struct {
	store state.Store
	log   *logging.Logger
}

// NewReservationAdapter creates the adapter, ensuring its bucket.
func NewReservationAdapter(store state.Store, log *logging.Logger) (*ReservationAdapter, error) {
	if err := store.CreateBucket(BucketReservations); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	if log == nil {
		log = logging.Default().WithComponent("dhcp")
	}
	return &ReservationAdapter{store: store, log: log}, nil
}

func (a *ReservationAdapter) Name() string { return "dhcp" }

func (a *ReservationAdapter) Handles(t changeset.EntityType) bool {
	return t == changeset.EntityReservation
}

// Apply pushes one reservation change.
func (a *ReservationAdapter) Apply(ctx context.Context, ch apply.ResolvedChange) error {
	if ch.Draft.Op == changeset.OpDelete {
		err := a.store.Delete(BucketReservations, ch.Draft.TargetID)
		if err == state.ErrNotFound {
			return nil // idempotent
		}
		return err
	}

	b, err := render(ch.Reservation)
	if err != nil {
		return err
	}
	return a.store.SetJSON(BucketReservations, ch.Reservation.ID, b)
}

// Sync replaces the bucket contents with the reservations in st.
func (a *ReservationAdapter) Sync(ctx context.Context, st *policy.State) error {
	keys, err := a.store.ListKeys(BucketReservations)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := st.Reservations[k]; !ok {
			if err := a.store.Delete(BucketReservations, k); err != nil && err != state.ErrNotFound {
				return err
			}
		}
	}
	for id, r := range st.Reservations {
		b, err := render(r)
		if err != nil {
			a.log.Warn("skipping unrenderable reservation", "reservation", id, "error", err)
			continue
		}
		if err := a.store.SetJSON(BucketReservations, id, b); err != nil {
			return err
		}
	}
	return nil
}

// render turns a reservation into its wire binding, normalizing the
// MAC and encoding extra options.
func render(r *policy.Reservation) (*Binding, error) {
	hw, err := net.ParseMAC(r.MAC)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: invalid MAC %q", r.ID, r.MAC)
	}
	ip := net.ParseIP(r.IP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("reservation %s: invalid IPv4 address %q", r.ID, r.IP)
	}

	b := &Binding{
		MAC:      hw.String(),
		IP:       ip.To4().String(),
		Hostname: r.Hostname,
	}
	if len(r.Options) > 0 {
		b.Options = make(map[uint8][]byte, len(r.Options))
		for key, value := range r.Options {
			opt, err := parseOption(key, value)
			if err != nil {
				return nil, fmt.Errorf("reservation %s: option %q: %w", r.ID, key, err)
			}
			b.Options[opt.Code.Code()] = opt.Value.ToBytes()
		}
	}
	return b, nil
}
