package apply

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/rollback"
	"grimm.is/wayout/internal/state"
)

func testState() *policy.State {
	st := policy.NewState()
	st.Egresses["wan"] = &policy.EgressPoint{ID: "wan", Name: "WAN", Kind: policy.EgressLocalInternet, IsDefault: true}
	st.DNSPolicies["inherit"] = &policy.DNSPolicy{ID: "inherit", Kind: policy.DNSInheritEgress}
	st.Matchers["web"] = &policy.TrafficMatcher{ID: "web", Ports: []policy.PortSpec{{Start: 443, End: 443}}}
	st.Groups["lan"] = &policy.ClientGroup{ID: "lan", Kind: policy.GroupCustom, IPRanges: []string{"192.168.1.0/24"}}
	return st
}

type fixture struct {
	engine  *policy.Engine
	coord   *Coordinator
	routing *FakeAdapter
	dns     *FakeAdapter
	records *state.ChangeSetBucket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	opts := state.DefaultOptions(":memory:")
	opts.CleanupInterval = 0
	kv, err := state.NewSQLiteStore(opts)
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	snaps, err := rollback.NewStore(rollback.Options{Store: kv})
	if err != nil {
		t.Fatalf("rollback store: %v", err)
	}
	records, err := state.NewChangeSetBucket(kv)
	if err != nil {
		t.Fatalf("records: %v", err)
	}

	engine := policy.NewEngine(testState())
	routing := NewFakeAdapter("routing",
		changeset.EntityEgressPoint, changeset.EntityRule, changeset.EntityClientGroup)
	dns := NewFakeAdapter("dns", changeset.EntityDNSPolicy)

	coord := NewCoordinator(Options{
		Engine:    engine,
		Validator: changeset.NewValidator(changeset.Config{}),
		Snapshots: snaps,
		Records:   records,
		Adapters:  []Adapter{routing, dns},
	})
	return &fixture{engine: engine, coord: coord, routing: routing, dns: dns, records: records}
}

func ruleChange(id, ruleID string, priority int) changeset.DraftChange {
	r := policy.Rule{
		ID: ruleID, Priority: priority, Enabled: true,
		ClientGroupIDs: []string{"lan"},
		MatcherIDs:     []string{"web"},
		EgressPointID:  "wan",
	}
	payload, _ := json.Marshal(r)
	return changeset.DraftChange{
		ID: id, EntityType: changeset.EntityRule, Op: changeset.OpCreate, Payload: payload,
	}
}

func exportOrFail(t *testing.T, st *policy.State) string {
	t.Helper()
	data, err := st.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	return string(data)
}

func TestApplySuccess(t *testing.T) {
	f := newFixture(t)
	cs := changeset.New([]changeset.DraftChange{ruleChange("c1", "web-out", 10)})

	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.State != changeset.StateApplied {
		t.Fatalf("state = %s, want Applied (errors: %v)", res.State, res.Errors)
	}
	if res.Applied != 1 {
		t.Errorf("Applied = %d", res.Applied)
	}
	if _, ok := f.engine.State().Rules["web-out"]; !ok {
		t.Error("rule not visible in engine state after apply")
	}
	if got := len(f.routing.Applied()); got != 1 {
		t.Errorf("routing adapter saw %d changes, want 1", got)
	}

	rec, err := f.records.Get(cs.ID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.State != string(changeset.StateApplied) {
		t.Errorf("recorded state = %s", rec.State)
	}
}

func TestApplyInvalidStopsBeforeSnapshot(t *testing.T) {
	f := newFixture(t)
	cs := changeset.New([]changeset.DraftChange{{
		ID: "c1", EntityType: changeset.EntityRule, Op: changeset.OpDelete, TargetID: "no-such-rule",
	}})

	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.State != changeset.StateInvalid {
		t.Fatalf("state = %s, want Invalid", res.State)
	}
	if res.SnapshotID != "" {
		t.Error("invalid change set should not capture a snapshot")
	}
	if len(f.routing.Applied()) != 0 {
		t.Error("adapters must not run for invalid change sets")
	}
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	before := exportOrFail(t, f.engine.State())

	f.routing.FailOn["c2"] = errors.New("nft transaction rejected")
	cs := changeset.New([]changeset.DraftChange{
		ruleChange("c1", "r-one", 10),
		func() changeset.DraftChange {
			c := ruleChange("c2", "r-two", 20)
			c.Critical = true
			return c
		}(),
	})

	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.State != changeset.StateRolledBack {
		t.Fatalf("state = %s, want RolledBack", res.State)
	}

	after := exportOrFail(t, f.engine.State())
	if before != after {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A: difflib.SplitLines(before), B: difflib.SplitLines(after),
			FromFile: "before", ToFile: "after", Context: 2,
		})
		t.Fatalf("engine state changed despite rollback:\n%s", diff)
	}
	if f.routing.SyncCount() == 0 {
		t.Error("routing adapter was not reconciled on rollback")
	}
	if f.dns.SyncCount() == 0 {
		t.Error("dns adapter was not reconciled on rollback")
	}
}

func TestApplyCriticalAbortsImmediately(t *testing.T) {
	f := newFixture(t)
	f.routing.FailOn["c1"] = errors.New("boom")
	crit := ruleChange("c1", "r-one", 10)
	crit.Critical = true

	cs := changeset.New([]changeset.DraftChange{
		crit,
		ruleChange("c2", "r-two", 20),
		ruleChange("c3", "r-three", 30),
	})

	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.State != changeset.StateRolledBack {
		t.Fatalf("state = %s", res.State)
	}
	// Apply stopped at the critical failure: later changes never
	// reached the adapter.
	if got := len(f.routing.Applied()); got != 0 {
		t.Errorf("adapter saw %d changes after critical failure, want 0", got)
	}
}

func TestApplyThresholdAbortsEarly(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		f.routing.FailOn[id] = errors.New("boom")
	}

	var changes []changeset.DraftChange
	for i, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		changes = append(changes, ruleChange(id, "r-"+id, 10+i))
	}
	cs := changeset.New(changes)

	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.State != changeset.StateRolledBack {
		t.Fatalf("state = %s", res.State)
	}
	// Four failures crossed the threshold of three: c5 and c6 were
	// never attempted.
	if got := len(f.routing.Applied()); got != 0 {
		t.Errorf("adapter applied %d changes, want 0", got)
	}
	if len(res.Errors) != 4 {
		t.Errorf("accumulated %d errors, want 4: %v", len(res.Errors), res.Errors)
	}
}

func TestApplyAccumulatesUnderThreshold(t *testing.T) {
	f := newFixture(t)
	f.routing.FailOn["c1"] = errors.New("boom one")
	f.routing.FailOn["c3"] = errors.New("boom three")

	cs := changeset.New([]changeset.DraftChange{
		ruleChange("c1", "r-one", 10),
		ruleChange("c2", "r-two", 20),
		ruleChange("c3", "r-three", 30),
		ruleChange("c4", "r-four", 40),
	})

	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Two failures stay under the threshold, so every change was
	// attempted, but the batch still rolls back as a unit.
	if res.State != changeset.StateRolledBack {
		t.Fatalf("state = %s", res.State)
	}
	if got := len(f.routing.Applied()); got != 2 {
		t.Errorf("adapter applied %d changes, want 2 (c2 and c4)", got)
	}
	// The pre-rollback success count survives for the audit trail.
	if res.Applied != 2 {
		t.Errorf("Applied = %d, want 2", res.Applied)
	}
	if len(res.Errors) != 2 {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestApplyRollbackRetriesOnce(t *testing.T) {
	f := newFixture(t)
	f.routing.FailOn["c1"] = errors.New("boom")
	f.routing.SyncErrs = []error{errors.New("sync transient")} // first Sync fails, retry succeeds

	cs := changeset.New([]changeset.DraftChange{ruleChange("c1", "r-one", 10)})
	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.State != changeset.StateRolledBack {
		t.Fatalf("state = %s, want RolledBack after retry", res.State)
	}
	if f.routing.SyncCount() != 1 {
		t.Errorf("SyncCount = %d", f.routing.SyncCount())
	}
}

func TestApplyRollbackFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.routing.FailOn["c1"] = errors.New("boom")
	f.routing.SyncErrs = []error{errors.New("sync dead"), errors.New("sync still dead")}

	cs := changeset.New([]changeset.DraftChange{ruleChange("c1", "r-one", 10)})
	res, err := f.coord.Apply(context.Background(), cs)

	var rf *RollbackFailure
	if !errors.As(err, &rf) {
		t.Fatalf("err = %v, want RollbackFailure", err)
	}
	if res.State != changeset.StateFailed {
		t.Errorf("state = %s, want Failed", res.State)
	}
	if !res.RollbackFailed {
		t.Error("RollbackFailed flag not set")
	}
	if rf.SnapshotID == "" {
		t.Error("RollbackFailure missing snapshot id")
	}
}

type gateAdapter struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateAdapter) Name() string                            { return "gate" }
func (g *gateAdapter) Handles(changeset.EntityType) bool       { return true }
func (g *gateAdapter) Sync(context.Context, *policy.State) error { return nil }
func (g *gateAdapter) Apply(ctx context.Context, ch ResolvedChange) error {
	close(g.entered)
	<-g.release
	return nil
}

func TestApplyBusy(t *testing.T) {
	f := newFixture(t)
	gate := &gateAdapter{entered: make(chan struct{}), release: make(chan struct{})}
	f.coord.adapters = []Adapter{gate}

	first := changeset.New([]changeset.DraftChange{ruleChange("c1", "r-one", 10)})
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Apply(context.Background(), first)
		done <- err
	}()

	<-gate.entered
	second := changeset.New([]changeset.DraftChange{ruleChange("c2", "r-two", 20)})
	if _, err := f.coord.Apply(context.Background(), second); err != ErrBusy {
		t.Errorf("concurrent Apply = %v, want ErrBusy", err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first Apply: %v", err)
	}
}

type failingChecker struct{}

func (failingChecker) Check(ctx context.Context, st *policy.State) error {
	return errors.New("default egress unreachable")
}

func TestApplyConsistencyCheckFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.coord.checker = failingChecker{}
	before := exportOrFail(t, f.engine.State())

	cs := changeset.New([]changeset.DraftChange{ruleChange("c1", "r-one", 10)})
	res, err := f.coord.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.State != changeset.StateRolledBack {
		t.Fatalf("state = %s", res.State)
	}
	if after := exportOrFail(t, f.engine.State()); after != before {
		t.Error("engine state changed despite failed consistency check")
	}
}

func TestApplyIdempotentResubmit(t *testing.T) {
	f := newFixture(t)

	cs1 := changeset.New([]changeset.DraftChange{ruleChange("c1", "web-out", 10)})
	if res, _ := f.coord.Apply(context.Background(), cs1); res.State != changeset.StateApplied {
		t.Fatalf("first apply: %s", res.State)
	}

	// Re-creating the same rule id conflicts; an update goes through.
	cs2 := changeset.New([]changeset.DraftChange{ruleChange("c1", "web-out", 10)})
	res, err := f.coord.Apply(context.Background(), cs2)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != changeset.StateInvalid {
		t.Fatalf("duplicate create = %s, want Invalid", res.State)
	}

	upd := ruleChange("c1", "web-out", 15)
	upd.Op = changeset.OpUpdate
	upd.TargetID = "web-out"
	cs3 := changeset.New([]changeset.DraftChange{upd})
	res, err = f.coord.Apply(context.Background(), cs3)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != changeset.StateApplied {
		t.Fatalf("update apply = %s (errors %v)", res.State, res.Errors)
	}
	if got := f.engine.State().Rules["web-out"].Priority; got != 15 {
		t.Errorf("priority = %d after update", got)
	}
}
