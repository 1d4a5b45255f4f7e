// Package dns publishes per-policy resolver configuration for the DNS
// proxy and probes custom resolvers before they go live.
package dns

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/state"
)

// BucketDNSPolicies is where rendered policies live. The DNS proxy
// reads this bucket to pick the upstream set for a client's query.
const BucketDNSPolicies = "dns_policies"

// probeTimeout bounds one resolver liveness check.
const probeTimeout = 2 * time.Second

// probeName is the query used to verify a resolver answers at all.
const probeName = "wayout-probe.invalid."

// Resolver answers one DNS exchange. Wraps dns.Client for tests.
type Resolver interface {
	Exchange(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error)
}

type udpResolver struct {
	client *dns.Client
}

func (r *udpResolver) Exchange(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error) {
	resp, _, err := r.client.ExchangeContext(ctx, m, addr)
	return resp, err
}

// PolicyAdapter publishes DNS policies and verifies custom resolvers
// respond before a policy referencing them is committed.
type PolicyAdapter struct {
	store    state.Store
	log      *logging.Logger
	resolver Resolver
	// SkipProbes disables liveness checks (dry-run and tests).
	SkipProbes bool
}

// NewPolicyAdapter creates the adapter, ensuring its bucket.
func NewPolicyAdapter(store state.Store, log *logging.Logger) (*PolicyAdapter, error) {
	if err := store.CreateBucket(BucketDNSPolicies); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	if log == nil {
		log = logging.Default().WithComponent("dns")
	}
	return &PolicyAdapter{
		store:    store,
		log:      log,
		resolver: &udpResolver{client: new(dns.Client)},
	}, nil
}

func (a *PolicyAdapter) Name() string { return "dns" }

func (a *PolicyAdapter) Handles(t changeset.EntityType) bool {
	return t == changeset.EntityDNSPolicy
}

// Apply pushes one DNS policy change.
func (a *PolicyAdapter) Apply(ctx context.Context, ch apply.ResolvedChange) error {
	if ch.Draft.Op == changeset.OpDelete {
		err := a.store.Delete(BucketDNSPolicies, ch.Draft.TargetID)
		if err == state.ErrNotFound {
			return nil
		}
		return err
	}

	p := ch.DNSPolicy
	if err := a.probePolicy(ctx, p); err != nil {
		return err
	}
	return a.store.SetJSON(BucketDNSPolicies, p.ID, p)
}

// Sync replaces the bucket contents with the policies in st. Probes
// are skipped on sync: rollback must not depend on upstream health.
func (a *PolicyAdapter) Sync(ctx context.Context, st *policy.State) error {
	keys, err := a.store.ListKeys(BucketDNSPolicies)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := st.DNSPolicies[k]; !ok {
			if err := a.store.Delete(BucketDNSPolicies, k); err != nil && err != state.ErrNotFound {
				return err
			}
		}
	}
	for id, p := range st.DNSPolicies {
		if err := a.store.SetJSON(BucketDNSPolicies, id, p); err != nil {
			return err
		}
	}
	return nil
}

// probePolicy checks that every custom resolver of the policy answers
// a query. A SERVFAIL or NXDOMAIN still counts as alive; only a dead
// transport fails the probe.
func (a *PolicyAdapter) probePolicy(ctx context.Context, p *policy.DNSPolicy) error {
	if a.SkipProbes || p.Kind != policy.DNSCustomResolvers {
		return nil
	}
	for _, r := range p.Resolvers {
		if err := a.probe(ctx, r); err != nil {
			return fmt.Errorf("dns policy %s: resolver %s unresponsive: %w", p.ID, r, err)
		}
	}
	return nil
}

func (a *PolicyAdapter) probe(ctx context.Context, resolver string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(probeName, dns.TypeA)

	addr := net.JoinHostPort(resolver, "53")
	_, err := a.resolver.Exchange(ctx, m, addr)
	return err
}
