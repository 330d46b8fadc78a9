package snapshot

import (
	"errors"
	"fmt"
)

// Status is a snapshot's lifecycle state.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusReady     Status = "ready"
	StatusRestoring Status = "restoring"
	StatusFailed    Status = "failed"
	StatusCorrupted Status = "corrupted"
	StatusExpired   Status = "expired"
	StatusDeleted   Status = "deleted"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusCreating,
	StatusReady,
	StatusRestoring,
	StatusFailed,
	StatusCorrupted,
	StatusExpired,
	StatusDeleted,
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// InFlight reports whether a driver call may be running against a record in s.
func (s Status) InFlight() bool {
	return s == StatusCreating || s == StatusRestoring
}

// ErrIllegalTransition is returned when a status change is not in the table.
var ErrIllegalTransition = errors.New("illegal status transition")

var transitions = map[Status][]Status{
	StatusCreating:  {StatusReady, StatusFailed},
	StatusReady:     {StatusRestoring, StatusExpired, StatusDeleted},
	StatusRestoring: {StatusReady, StatusFailed, StatusCorrupted},
	StatusFailed:    {StatusReady, StatusExpired, StatusDeleted},
	StatusCorrupted: {StatusDeleted},
	StatusExpired:   {StatusDeleted},
	StatusDeleted:   nil,
}

// CanTransition reports whether from -> to appears in the lifecycle table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves s to the given status, refusing anything the lifecycle
// doesn't allow. Failed -> Ready is only legal for restore failures.
func Transition(s *Snapshot, to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, to)
	}
	if s.Status == StatusFailed && to == StatusReady && s.FailureStage != StageRestore {
		return fmt.Errorf("%w: %s -> %s after %s failure", ErrIllegalTransition, s.Status, to, s.FailureStage)
	}
	s.Status = to
	return nil
}
