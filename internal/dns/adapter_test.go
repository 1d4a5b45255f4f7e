package dns

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/clock"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/state"
)

type fakeResolver struct {
	failFor map[string]error
	queried []string
}

func (f *fakeResolver) Exchange(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error) {
	f.queried = append(f.queried, addr)
	if err, ok := f.failFor[addr]; ok {
		return nil, err
	}
	resp := new(dns.Msg)
	resp.SetReply(m)
	return resp, nil
}

func newTestAdapter(t *testing.T) (*PolicyAdapter, *fakeResolver, state.Store) {
	t.Helper()
	opts := state.DefaultOptions(":memory:")
	opts.CleanupInterval = 0
	opts.Clock = clock.NewMockClock(time.Unix(1700000000, 0))
	store, err := state.NewSQLiteStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a, err := NewPolicyAdapter(store, nil)
	require.NoError(t, err)
	fr := &fakeResolver{failFor: map[string]error{}}
	a.resolver = fr
	return a, fr, store
}

func policyChange(t *testing.T, op changeset.Op, p *policy.DNSPolicy) apply.ResolvedChange {
	t.Helper()
	return apply.ResolvedChange{
		Draft: changeset.DraftChange{
			ID:         "c1",
			EntityType: changeset.EntityDNSPolicy,
			Op:         op,
			TargetID:   p.ID,
		},
		DNSPolicy: p,
	}
}

func TestApplyCreateProbesResolvers(t *testing.T) {
	a, fr, store := newTestAdapter(t)

	p := &policy.DNSPolicy{
		ID:        "kids",
		Kind:      policy.DNSCustomResolvers,
		Resolvers: []string{"9.9.9.9", "149.112.112.112"},
	}
	require.NoError(t, a.Apply(context.Background(), policyChange(t, changeset.OpCreate, p)))
	assert.Equal(t, []string{"9.9.9.9:53", "149.112.112.112:53"}, fr.queried)

	var stored policy.DNSPolicy
	require.NoError(t, store.GetJSON(BucketDNSPolicies, "kids", &stored))
	assert.Equal(t, policy.DNSCustomResolvers, stored.Kind)
}

func TestApplyDeadResolverFails(t *testing.T) {
	a, fr, store := newTestAdapter(t)
	fr.failFor["10.0.0.99:53"] = errors.New("i/o timeout")

	p := &policy.DNSPolicy{
		ID:        "broken",
		Kind:      policy.DNSCustomResolvers,
		Resolvers: []string{"10.0.0.99"},
	}
	err := a.Apply(context.Background(), policyChange(t, changeset.OpCreate, p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10.0.0.99")

	err = store.GetJSON(BucketDNSPolicies, "broken", &policy.DNSPolicy{})
	assert.Equal(t, state.ErrNotFound, err)
}

func TestApplySkipsProbesForNonCustomKinds(t *testing.T) {
	a, fr, _ := newTestAdapter(t)

	p := &policy.DNSPolicy{ID: "filtered", Kind: policy.DNSFiltered}
	require.NoError(t, a.Apply(context.Background(), policyChange(t, changeset.OpCreate, p)))
	assert.Empty(t, fr.queried)
}

func TestApplyDeleteIdempotent(t *testing.T) {
	a, _, _ := newTestAdapter(t)

	p := &policy.DNSPolicy{ID: "gone", Kind: policy.DNSBypass}
	require.NoError(t, a.Apply(context.Background(), policyChange(t, changeset.OpCreate, p)))

	del := policyChange(t, changeset.OpDelete, p)
	require.NoError(t, a.Apply(context.Background(), del))
	require.NoError(t, a.Apply(context.Background(), del))
}

func TestSyncReconcilesWithoutProbes(t *testing.T) {
	a, fr, store := newTestAdapter(t)
	require.NoError(t, store.SetJSON(BucketDNSPolicies, "stale", &policy.DNSPolicy{ID: "stale"}))

	st := policy.NewState()
	st.DNSPolicies["inherit"] = &policy.DNSPolicy{ID: "inherit", Kind: policy.DNSInheritEgress}
	st.DNSPolicies["kids"] = &policy.DNSPolicy{
		ID:        "kids",
		Kind:      policy.DNSCustomResolvers,
		Resolvers: []string{"9.9.9.9"},
	}
	require.NoError(t, a.Sync(context.Background(), st))
	assert.Empty(t, fr.queried)

	keys, err := store.ListKeys(BucketDNSPolicies)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"inherit", "kids"}, keys)
}
