package apply

import (
	"context"

	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/policy"
)

// DryRunAdapter wraps another adapter's concern but only logs what
// would happen. Used when the daemon runs with --dry-run, and on
// platforms without the real subsystem.
type DryRunAdapter struct {
	name  string
	types []changeset.EntityType
	log   *logging.Logger
}

// NewDryRunAdapter creates a logging-only adapter for the given
// entity types.
func NewDryRunAdapter(name string, log *logging.Logger, types ...changeset.EntityType) *DryRunAdapter {
	if log == nil {
		log = logging.Default().WithComponent("dryrun")
	}
	return &DryRunAdapter{name: name, types: types, log: log}
}

func (d *DryRunAdapter) Name() string { return d.name }

func (d *DryRunAdapter) Handles(t changeset.EntityType) bool {
	for _, ht := range d.types {
		if ht == t {
			return true
		}
	}
	return false
}

func (d *DryRunAdapter) Apply(ctx context.Context, ch ResolvedChange) error {
	d.log.Info("dry-run: would apply change",
		"adapter", d.name,
		"change_id", ch.Draft.ID,
		"op", string(ch.Draft.Op),
		"entity_type", string(ch.Draft.EntityType),
		"entity_id", ch.EntityID())
	return nil
}

func (d *DryRunAdapter) Sync(ctx context.Context, st *policy.State) error {
	d.log.Info("dry-run: would reconcile full state",
		"adapter", d.name,
		"rules", len(st.Rules),
		"egresses", len(st.Egresses))
	return nil
}
