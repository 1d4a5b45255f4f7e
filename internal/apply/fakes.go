package apply

import (
	"context"
	"sync"

	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/policy"
)

// FakeAdapter is an in-memory Adapter for tests. It records every
// Apply and Sync call and can be programmed to fail.
type FakeAdapter struct {
	mu sync.Mutex

	AdapterName string
	Types       []changeset.EntityType

	// FailOn maps change ids to the error Apply returns for them.
	FailOn map[string]error
	// SyncErrs is consumed one per Sync call; nil entries succeed.
	// When exhausted, Sync succeeds.
	SyncErrs []error

	applied []ResolvedChange
	synced  []*policy.State
}

// NewFakeAdapter creates a fake handling the given entity types.
func NewFakeAdapter(name string, types ...changeset.EntityType) *FakeAdapter {
	return &FakeAdapter{AdapterName: name, Types: types, FailOn: make(map[string]error)}
}

func (f *FakeAdapter) Name() string { return f.AdapterName }

func (f *FakeAdapter) Handles(t changeset.EntityType) bool {
	for _, ht := range f.Types {
		if ht == t {
			return true
		}
	}
	return false
}

func (f *FakeAdapter) Apply(ctx context.Context, ch ResolvedChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailOn[ch.Draft.ID]; ok {
		return err
	}
	f.applied = append(f.applied, ch)
	return nil
}

func (f *FakeAdapter) Sync(ctx context.Context, st *policy.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SyncErrs) > 0 {
		err := f.SyncErrs[0]
		f.SyncErrs = f.SyncErrs[1:]
		if err != nil {
			return err
		}
	}
	f.synced = append(f.synced, st)
	return nil
}

// Applied returns the changes successfully applied, in order.
func (f *FakeAdapter) Applied() []ResolvedChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ResolvedChange, len(f.applied))
	copy(out, f.applied)
	return out
}

// SyncCount returns how many successful Sync calls were made.
func (f *FakeAdapter) SyncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced)
}

// LastSynced returns the state of the most recent successful Sync.
func (f *FakeAdapter) LastSynced() *policy.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.synced) == 0 {
		return nil
	}
	return f.synced[len(f.synced)-1]
}
