package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/rollback"
	"grimm.is/wayout/internal/state"
)

func apiState() *policy.State {
	st := policy.NewState()
	st.Egresses["wan"] = &policy.EgressPoint{ID: "wan", Name: "WAN", Kind: policy.EgressLocalInternet, IsDefault: true}
	st.Egresses["de-vps"] = &policy.EgressPoint{ID: "de-vps", Kind: policy.EgressWireGuardTunnel, TunnelRef: "wg0"}
	st.DNSPolicies["inherit"] = &policy.DNSPolicy{ID: "inherit", Kind: policy.DNSInheritEgress}
	st.Matchers["voip"] = &policy.TrafficMatcher{
		ID:        "voip",
		Protocols: []policy.Protocol{"sip", "rtp"},
		Ports:     []policy.PortSpec{{Start: 5060, End: 5060}, {Start: 10000, End: 20000}},
	}
	st.Groups["voip-phones"] = &policy.ClientGroup{ID: "voip-phones", Kind: policy.GroupVLAN, VLANID: 60}
	st.Rules["voip-out"] = &policy.Rule{
		ID: "voip-out", Priority: 5, Enabled: true,
		ClientGroupIDs: []string{"voip-phones"},
		MatcherIDs:     []string{"voip"},
		EgressPointID:  "de-vps",
	}
	return st
}

func newTestServer(t *testing.T) (*Server, *policy.Engine) {
	t.Helper()

	opts := state.DefaultOptions(":memory:")
	opts.CleanupInterval = 0
	kv, err := state.NewSQLiteStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	snaps, err := rollback.NewStore(rollback.Options{Store: kv})
	require.NoError(t, err)
	records, err := state.NewChangeSetBucket(kv)
	require.NoError(t, err)

	engine := policy.NewEngine(apiState())
	coord := apply.NewCoordinator(apply.Options{
		Engine:    engine,
		Validator: changeset.NewValidator(changeset.Config{}),
		Snapshots: snaps,
		Records:   records,
		Adapters: []apply.Adapter{apply.NewFakeAdapter("routing",
			changeset.EntityEgressPoint, changeset.EntityRule, changeset.EntityClientGroup)},
	})

	srv := NewServer(ServerOptions{
		Engine:      engine,
		Coordinator: coord,
		Snapshots:   snaps,
		Records:     records,
	})
	return srv, engine
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestTestRuleEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/traffic-rules/test-rule", policy.TrafficDescriptor{
		Client:   policy.ClientIdentity{VLAN: 60},
		Protocol: "sip",
		Port:     5060,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var dec policy.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dec))
	assert.Equal(t, "de-vps", dec.EgressPointID)
	assert.Equal(t, "voip-out", dec.MatchedRuleID)

	// Falls through to the default egress.
	w = doJSON(t, srv, "POST", "/api/traffic-rules/test-rule", policy.TrafficDescriptor{
		Client:   policy.ClientIdentity{VLAN: 60},
		Protocol: "https",
		Port:     443,
	})
	require.Equal(t, http.StatusOK, w.Code)
	dec = policy.Decision{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dec))
	assert.Equal(t, "wan", dec.EgressPointID)
	assert.Empty(t, dec.MatchedRuleID)
}

func TestValidateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rule := policy.Rule{
		ID: "bad", Priority: 1, Enabled: true,
		ClientGroupIDs: []string{"voip-phones"},
		MatcherIDs:     []string{"no-such-matcher"},
		EgressPointID:  "wan",
	}
	payload, _ := json.Marshal(rule)
	w := doJSON(t, srv, "POST", "/api/traffic-rules/validate", changeSetRequest{
		Changes: []changeset.DraftChange{{
			ID: "c1", EntityType: changeset.EntityRule, Op: changeset.OpCreate, Payload: payload,
		}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var vr changeset.ValidationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vr))
	assert.False(t, vr.Valid)
	require.NotEmpty(t, vr.Errors)
	assert.Equal(t, "referential", vr.Errors[0].Tag)
}

func TestApplyEndpoint(t *testing.T) {
	srv, engine := newTestServer(t)

	rule := policy.Rule{
		ID: "web-out", Priority: 20, Enabled: true,
		ClientGroupIDs: []string{"voip-phones"},
		MatcherIDs:     []string{"voip"},
		EgressPointID:  "wan",
	}
	payload, _ := json.Marshal(rule)
	w := doJSON(t, srv, "POST", "/api/traffic-rules/apply", changeSetRequest{
		ID: "batch-1",
		Changes: []changeset.DraftChange{{
			ID: "c1", EntityType: changeset.EntityRule, Op: changeset.OpCreate, Payload: payload,
		}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res apply.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, changeset.StateApplied, res.State)
	assert.Equal(t, 1, res.Applied)
	assert.NotEmpty(t, res.SnapshotID)

	_, ok := engine.State().Rules["web-out"]
	assert.True(t, ok)
}

func TestApplyEndpointInvalidBatch(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/traffic-rules/apply", changeSetRequest{
		Changes: []changeset.DraftChange{{
			ID: "c1", EntityType: changeset.EntityEgressPoint, Op: changeset.OpDelete, TargetID: "wan",
		}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var res apply.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, changeset.StateInvalid, res.State)
}

func TestApplyEndpointRejectsEmptyBatch(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/traffic-rules/apply", changeSetRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var er ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &er))
	assert.Equal(t, "validation", er.Tag)
}

func TestMatchesEndpoint(t *testing.T) {
	srv, engine := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(policy.TrafficDescriptor{
			Client:   policy.ClientIdentity{VLAN: 60, IP: fmt.Sprintf("10.0.60.%d", i+1)},
			Protocol: "sip",
			Port:     5060,
		})
		require.NoError(t, err)
	}

	w := doJSON(t, srv, "GET", "/api/traffic-rules/voip-out/matches?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RuleID  string                  `json:"rule_id"`
		Matches []policy.DecisionRecord `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "voip-out", resp.RuleID)
	assert.Len(t, resp.Matches, 2)
	// Newest first.
	assert.Equal(t, "10.0.60.3", resp.Matches[0].ClientIP)

	w = doJSON(t, srv, "GET", "/api/traffic-rules/voip-out/matches?client_ip=10.0.60.1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Matches, 1)

	w = doJSON(t, srv, "GET", "/api/traffic-rules/nope/matches", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCatalogListings(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "GET", "/api/traffic-rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rules []*policy.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, "voip-out", rules[0].ID)

	w = doJSON(t, srv, "GET", "/api/egress-points", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var egresses []*policy.EgressPoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &egresses))
	require.Len(t, egresses, 2)
	// Sorted by id.
	assert.Equal(t, "de-vps", egresses[0].ID)
}

func TestSnapshotAndChangeSetListings(t *testing.T) {
	srv, _ := newTestServer(t)

	// One successful apply produces one snapshot and one record.
	rule := policy.Rule{
		ID: "r1", Priority: 1, Enabled: true,
		ClientGroupIDs: []string{"voip-phones"},
		MatcherIDs:     []string{"voip"},
		EgressPointID:  "wan",
	}
	payload, _ := json.Marshal(rule)
	w := doJSON(t, srv, "POST", "/api/traffic-rules/apply", changeSetRequest{
		Changes: []changeset.DraftChange{{
			ID: "c1", EntityType: changeset.EntityRule, Op: changeset.OpCreate, Payload: payload,
		}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, "GET", "/api/snapshots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []snapshotSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	assert.Len(t, snaps, 1)

	w = doJSON(t, srv, "GET", "/api/changesets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []*state.ChangeSetRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, string(changeset.StateApplied), recs[0].State)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
