// Package driver defines the contract between the rollback manager and the
// per-platform snapshot implementations.
//
// A driver captures and restores state using the platform's own primitives.
// It never writes snapshot records; it reports what it captured and whether
// a restore worked, and the manager decides what that means.
package driver

import (
	"context"

	"github.com/majorcontext/rewind/internal/snapshot"
)

// Capture is what a driver reports after taking a snapshot.
type Capture[L snapshot.Locator] struct {
	Locator   L
	Checksum  string
	SizeBytes int64
}

// Driver snapshots and restores one platform. L is the locator type the
// platform understands, so a driver can't be handed another platform's
// snapshot.
type Driver[L snapshot.Locator] interface {
	// CreateSnapshot captures asset's current state. snapshotID names the
	// resulting artifact where the platform needs a name.
	CreateSnapshot(ctx context.Context, asset snapshot.Asset, snapshotID string) (Capture[L], error)

	// Restore returns the live asset to the captured state. It must stop
	// work promptly when ctx ends.
	Restore(ctx context.Context, loc L) error

	// Discard releases the platform artifact behind loc. Artifacts that are
	// already gone are not an error.
	Discard(ctx context.Context, loc L) error
}
