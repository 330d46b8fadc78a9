package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/majorcontext/rewind/internal/snapshot"
)

var (
	// ErrUnsupportedAssetKind is returned for an asset kind with no driver.
	ErrUnsupportedAssetKind = errors.New("unsupported asset kind")

	// ErrInvalidSnapshotState is returned when an operation isn't allowed
	// in the snapshot's current status.
	ErrInvalidSnapshotState = errors.New("invalid snapshot state")

	// ErrRestoreInProgress is returned when another operation holds the
	// snapshot. Calls are rejected, never queued.
	ErrRestoreInProgress = errors.New("restore already in progress")
)

// TimeoutError means a driver call outlived its platform timeout. The tool
// may have been partway through its work when it was cancelled.
type TimeoutError struct {
	Platform snapshot.PlatformKind
	Op       string
	Timeout  time.Duration
	// Cause is what the driver returned after cancellation, if it returned in time.
	Cause error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s %s timed out after %s", e.Platform, e.Op, e.Timeout)
	if e.Cause != nil && e.Cause != context.DeadlineExceeded {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap makes errors.Is(err, context.DeadlineExceeded) hold.
func (e *TimeoutError) Unwrap() []error {
	if e.Cause == nil {
		return []error{context.DeadlineExceeded}
	}
	return []error{context.DeadlineExceeded, e.Cause}
}

func stateError(s *snapshot.Snapshot, op string) error {
	return fmt.Errorf("%w: cannot %s snapshot %s in status %s", ErrInvalidSnapshotState, op, s.ID, s.Status)
}
