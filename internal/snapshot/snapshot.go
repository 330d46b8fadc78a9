// Package snapshot defines the recovery snapshot record, the per-platform
// locators that say how to find the captured state again, and the status
// lifecycle every record moves through.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/majorcontext/rewind/internal/health"
	"github.com/majorcontext/rewind/internal/id"
)

// IDPrefix is the prefix of every snapshot ID.
const IDPrefix = "snap"

// NewID generates a snapshot ID in the format snap_<random>.
func NewID() string {
	return id.Generate(IDPrefix)
}

// PlatformKind identifies the substrate a snapshot was taken on, and with it
// the only driver allowed to touch the snapshot.
type PlatformKind string

const (
	PlatformOrchestrator PlatformKind = "orchestrator-deployment"
	PlatformContainer    PlatformKind = "container-image"
	PlatformVM           PlatformKind = "vm-snapshot"
)

// Valid reports whether k is one of the known platforms.
func (k PlatformKind) Valid() bool {
	switch k {
	case PlatformOrchestrator, PlatformContainer, PlatformVM:
		return true
	}
	return false
}

func (k PlatformKind) String() string {
	return string(k)
}

// FailureStage records which operation put a snapshot into Failed.
type FailureStage string

const (
	StageCreate  FailureStage = "create"
	StageRestore FailureStage = "restore"
)

// Snapshot is the persisted record of one recovery point.
type Snapshot struct {
	ID          string
	ExecutionID string
	Platform    PlatformKind
	Status      Status
	Locator     Locator

	// Endpoint is the base URL or host that relative health probes are aimed at.
	Endpoint string

	Checksum  string
	SizeBytes int64

	CreatedAt              time.Time
	UpdatedAt              time.Time
	RestoreStartedAt       *time.Time
	RestoreCompletedAt     *time.Time
	RestoreDurationSeconds *float64
	RestoreAttempts        int

	LastHealthCheckPassed *bool
	HealthResults         []health.Result

	FailureStage  FailureStage
	FailureDetail string
}

// New returns a record in Creating for the given asset.
func New(asset Asset, now time.Time) *Snapshot {
	return &Snapshot{
		ID:          NewID(),
		ExecutionID: asset.ExecutionID,
		Platform:    asset.Kind.Platform(),
		Status:      StatusCreating,
		Endpoint:    asset.Endpoint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.RestoreStartedAt = cloneTime(s.RestoreStartedAt)
	c.RestoreCompletedAt = cloneTime(s.RestoreCompletedAt)
	if s.RestoreDurationSeconds != nil {
		d := *s.RestoreDurationSeconds
		c.RestoreDurationSeconds = &d
	}
	if s.LastHealthCheckPassed != nil {
		p := *s.LastHealthCheckPassed
		c.LastHealthCheckPassed = &p
	}
	if s.HealthResults != nil {
		c.HealthResults = append([]health.Result(nil), s.HealthResults...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Restorable reports whether the record may be handed to a driver's Restore.
func (s *Snapshot) Restorable() bool {
	return s.Status == StatusReady && s.Locator != nil
}

type snapshotJSON struct {
	ID                     string          `json:"id"`
	ExecutionID            string          `json:"execution_id"`
	Platform               PlatformKind    `json:"platform"`
	Status                 Status          `json:"status"`
	Locator                json.RawMessage `json:"locator,omitempty"`
	Endpoint               string          `json:"endpoint,omitempty"`
	Checksum               string          `json:"checksum,omitempty"`
	SizeBytes              int64           `json:"size_bytes"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	RestoreStartedAt       *time.Time      `json:"restore_started_at,omitempty"`
	RestoreCompletedAt     *time.Time      `json:"restore_completed_at,omitempty"`
	RestoreDurationSeconds *float64        `json:"restore_duration_seconds,omitempty"`
	RestoreAttempts        int             `json:"restore_attempts"`
	LastHealthCheckPassed  *bool           `json:"last_health_check_passed,omitempty"`
	HealthResults          []health.Result `json:"health_results,omitempty"`
	FailureStage           FailureStage    `json:"failure_stage,omitempty"`
	FailureDetail          string          `json:"failure_detail,omitempty"`
}

// MarshalJSON encodes the locator using the record's platform as discriminator.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		ID:                     s.ID,
		ExecutionID:            s.ExecutionID,
		Platform:               s.Platform,
		Status:                 s.Status,
		Endpoint:               s.Endpoint,
		Checksum:               s.Checksum,
		SizeBytes:              s.SizeBytes,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
		RestoreStartedAt:       s.RestoreStartedAt,
		RestoreCompletedAt:     s.RestoreCompletedAt,
		RestoreDurationSeconds: s.RestoreDurationSeconds,
		RestoreAttempts:        s.RestoreAttempts,
		LastHealthCheckPassed:  s.LastHealthCheckPassed,
		HealthResults:          s.HealthResults,
		FailureStage:           s.FailureStage,
		FailureDetail:          s.FailureDetail,
	}
	if s.Locator != nil {
		raw, err := MarshalLocator(s.Locator)
		if err != nil {
			return nil, err
		}
		out.Locator = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a record written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Snapshot{
		ID:                     in.ID,
		ExecutionID:            in.ExecutionID,
		Platform:               in.Platform,
		Status:                 in.Status,
		Endpoint:               in.Endpoint,
		Checksum:               in.Checksum,
		SizeBytes:              in.SizeBytes,
		CreatedAt:              in.CreatedAt,
		UpdatedAt:              in.UpdatedAt,
		RestoreStartedAt:       in.RestoreStartedAt,
		RestoreCompletedAt:     in.RestoreCompletedAt,
		RestoreDurationSeconds: in.RestoreDurationSeconds,
		RestoreAttempts:        in.RestoreAttempts,
		LastHealthCheckPassed:  in.LastHealthCheckPassed,
		HealthResults:          in.HealthResults,
		FailureStage:           in.FailureStage,
		FailureDetail:          in.FailureDetail,
	}
	if len(in.Locator) > 0 && string(in.Locator) != "null" {
		loc, err := UnmarshalLocator(in.Platform, in.Locator)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", in.ID, err)
		}
		s.Locator = loc
	}
	return nil
}
