//go:build !linux

package network

import (
	"context"
	"errors"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/policy"
)

// RoutingAdapter is a stub off Linux. The constructor fails; the
// daemon runs with dry-run adapters on other platforms.
type RoutingAdapter struct{}

func NewRoutingAdapter(log *logging.Logger) (*RoutingAdapter, error) {
	return nil, errors.New("kernel routing is only supported on linux")
}

func (r *RoutingAdapter) Name() string                       { return "routing" }
func (r *RoutingAdapter) Handles(changeset.EntityType) bool  { return false }
func (r *RoutingAdapter) Apply(context.Context, apply.ResolvedChange) error {
	return errors.New("not supported on this platform")
}
func (r *RoutingAdapter) Sync(context.Context, *policy.State) error {
	return errors.New("not supported on this platform")
}
