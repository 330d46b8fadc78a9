// Package audit records snapshot lifecycle events in a tamper-evident,
// hash-chained log.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/majorcontext/rewind/internal/log"
)

// EntryType identifies the kind of log entry.
type EntryType string

const (
	EntrySnapshotCreated   EntryType = "snapshot.created"
	EntryCreateFailed      EntryType = "snapshot.create_failed"
	EntryRestoreStarted    EntryType = "restore.started"
	EntryRestoreSucceeded  EntryType = "restore.succeeded"
	EntryRestoreFailed     EntryType = "restore.failed"
	EntrySnapshotExpired   EntryType = "snapshot.expired"
	EntrySnapshotDeleted   EntryType = "snapshot.deleted"
	EntrySnapshotRecovered EntryType = "snapshot.recovered"
	EntrySnapshotRearmed   EntryType = "snapshot.rearmed"
)

// FirstSequence is the sequence number of the first entry in a log.
// Sequences are 1-indexed to distinguish "no previous entry" (seq=0) from the first entry.
const FirstSequence uint64 = 1

// SnapshotEvent is the data recorded for every lifecycle entry.
type SnapshotEvent struct {
	SnapshotID      string   `json:"snapshot_id"`
	ExecutionID     string   `json:"execution_id"`
	Platform        string   `json:"platform"`
	Status          string   `json:"status"`
	Detail          string   `json:"detail,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	HealthPassed    *bool    `json:"health_passed,omitempty"`
}

// Entry represents a single hash-chained log entry.
type Entry struct {
	Sequence    uint64    `json:"seq"`
	Timestamp   time.Time `json:"ts"`
	Type        EntryType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	PrevHash    string    `json:"prev"`
	// Data must be JSON-serializable. Non-serializable values marshal as null.
	Data any    `json:"data"`
	Hash string `json:"hash"`
	// dataJSON is the exact encoding that was hashed. Entries read back from
	// the store carry the stored text so verification doesn't depend on how
	// Data re-marshals.
	dataJSON []byte `json:"-"`
}

// NewEntry creates a new entry with computed hash.
func NewEntry(seq uint64, prevHash string, entryType EntryType, executionID string, data any) *Entry {
	return newEntryWithTimestamp(seq, prevHash, entryType, executionID, data, time.Now().UTC())
}

func newEntryWithTimestamp(seq uint64, prevHash string, entryType EntryType, executionID string, data any, ts time.Time) *Entry {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		log.Warn("failed to marshal entry data", "type", entryType, "error", err)
		dataJSON = []byte("null")
	}
	e := &Entry{
		Sequence:    seq,
		Timestamp:   ts,
		Type:        entryType,
		ExecutionID: executionID,
		PrevHash:    prevHash,
		Data:        data,
		dataJSON:    dataJSON,
	}
	e.Hash = e.computeHash()
	return e
}

// computeHash calculates SHA-256(seq || ts || type || execution || prev || data).
func (e *Entry) computeHash() string {
	h := sha256.New()

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, e.Sequence)
	h.Write(seqBytes)

	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Type))
	h.Write([]byte(e.ExecutionID))
	h.Write([]byte(e.PrevHash))

	dataBytes := e.dataJSON
	if dataBytes == nil {
		var err error
		dataBytes, err = json.Marshal(e.Data)
		if err != nil {
			log.Warn("failed to marshal entry data for hash", "seq", e.Sequence, "error", err)
			dataBytes = []byte("null")
		}
	}
	h.Write(dataBytes)

	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks if the entry's hash is valid.
func (e *Entry) Verify() bool {
	return e.Hash == e.computeHash()
}

// Event decodes Data as a SnapshotEvent.
func (e *Entry) Event() (SnapshotEvent, error) {
	var ev SnapshotEvent
	data := e.dataJSON
	if data == nil {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return ev, err
		}
	}
	err := json.Unmarshal(data, &ev)
	return ev, err
}
