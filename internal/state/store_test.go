package state

import (
	"context"
	"testing"
	"time"

	"grimm.is/wayout/internal/clock"
	"grimm.is/wayout/internal/policy"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	opts := DefaultOptions(":memory:")
	opts.CleanupInterval = 0 // no background goroutine in tests
	s, err := NewSQLiteStore(opts)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreBasicCRUD(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateBucket("test"); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if err := s.CreateBucket("test"); err != ErrBucketExists {
		t.Errorf("duplicate CreateBucket = %v, want ErrBucketExists", err)
	}

	if err := s.Set("test", "k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("test", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want v1", got)
	}

	if err := s.Delete("test", "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("test", "k1"); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete("test", "k1"); err != ErrNotFound {
		t.Errorf("double Delete = %v, want ErrNotFound", err)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opts := DefaultOptions(":memory:")
	opts.CleanupInterval = 0
	opts.Clock = mock
	s, err := NewSQLiteStore(opts)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	if err := s.CreateBucket("test"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWithTTL("test", "ephemeral", []byte("x"), time.Minute); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("test", "ephemeral"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	mock.Advance(2 * time.Minute)
	if _, err := s.Get("test", "ephemeral"); err != ErrNotFound {
		t.Errorf("Get after expiry = %v, want ErrNotFound", err)
	}
}

func TestStoreVersionMonotonic(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateBucket("test"); err != nil {
		t.Fatal(err)
	}

	v0 := s.CurrentVersion()
	for i := 0; i < 5; i++ {
		if err := s.Set("test", "k", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.CurrentVersion(); got != v0+5 {
		t.Errorf("CurrentVersion = %d, want %d", got, v0+5)
	}

	changes, err := s.GetChangesSince(v0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 5 {
		t.Fatalf("GetChangesSince returned %d changes, want 5", len(changes))
	}
	if changes[0].Type != ChangeInsert {
		t.Errorf("first change type = %s, want insert", changes[0].Type)
	}
	for _, c := range changes[1:] {
		if c.Type != ChangeUpdate {
			t.Errorf("subsequent change type = %s, want update", c.Type)
		}
	}
}

func TestStoreSubscribe(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateBucket("test"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	if err := s.Set("test", "k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-ch:
		if c.Bucket != "test" || c.Key != "k" || c.Type != ChangeInsert {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered to subscriber")
	}
}

func TestStoreClosedErrors(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("b", "k", nil); err != ErrStoreClosed {
		t.Errorf("Set on closed store = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Get("b", "k"); err != ErrStoreClosed {
		t.Errorf("Get on closed store = %v, want ErrStoreClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestPolicyBucketRoundTrip(t *testing.T) {
	s := newTestStore(t)
	pb, err := NewPolicyBucket(s)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pb.Load(); err != ErrNotFound {
		t.Fatalf("Load on empty store = %v, want ErrNotFound", err)
	}

	st := policy.NewState()
	st.Egresses["wan"] = &policy.EgressPoint{ID: "wan", Kind: policy.EgressLocalInternet, IsDefault: true}
	st.Matchers["web"] = &policy.TrafficMatcher{ID: "web", Ports: []policy.PortSpec{{Start: 443, End: 443}}}

	if err := pb.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := pb.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := loaded.Egresses["wan"]; !ok {
		t.Error("egress wan missing after round trip")
	}
	if _, ok := loaded.Matchers["web"]; !ok {
		t.Error("matcher web missing after round trip")
	}
}

func TestChangeSetBucket(t *testing.T) {
	s := newTestStore(t)
	cb, err := NewChangeSetBucket(s)
	if err != nil {
		t.Fatal(err)
	}

	rec := &ChangeSetRecord{
		ID: "cs-1", State: "Applied", ChangeCount: 3, SnapshotID: "snap-1",
	}
	if err := cb.Set(rec); err != nil {
		t.Fatal(err)
	}

	got, err := cb.Get("cs-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "Applied" || got.ChangeCount != 3 {
		t.Errorf("got %+v", got)
	}

	all, err := cb.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("List returned %d records, want 1", len(all))
	}
}
