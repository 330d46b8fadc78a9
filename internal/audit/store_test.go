package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_OpenClose(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit", "audit.db")

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("Database file not created: %v", err)
	}
}

func TestStore_Append_ChainedEntries(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	e1, err := store.Append(EntrySnapshotCreated, "exec-1", event("snap_a"))
	if err != nil {
		t.Fatalf("Append e1: %v", err)
	}
	e2, err := store.Append(EntryRestoreStarted, "exec-1", event("snap_a"))
	if err != nil {
		t.Fatalf("Append e2: %v", err)
	}

	if e1.Sequence != FirstSequence {
		t.Errorf("e1.Sequence = %d, want %d", e1.Sequence, FirstSequence)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("e2.PrevHash = %s, want %s", e2.PrevHash, e1.Hash)
	}
}

func TestStore_GetVerifiesAfterRoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	dur := 1.25
	passed := true
	if _, err := store.Append(EntryRestoreSucceeded, "exec-1", SnapshotEvent{
		SnapshotID:      "snap_a",
		ExecutionID:     "exec-1",
		Platform:        "container-image",
		Status:          "ready",
		DurationSeconds: &dur,
		HealthPassed:    &passed,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Verify() {
		t.Error("entry read from the store should verify")
	}
	ev, err := got.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.Platform != "container-image" {
		t.Errorf("Platform = %q, want container-image", ev.Platform)
	}

	if _, err := store.Get(42); err != ErrNotFound {
		t.Errorf("Get(42) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ByExecution(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	for _, exec := range []string{"exec-1", "exec-2", "exec-1"} {
		if _, err := store.Append(EntrySnapshotCreated, exec, event("snap_x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := store.ByExecution("exec-1")
	if err != nil {
		t.Fatalf("ByExecution: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Sequence != 1 || entries[1].Sequence != 3 {
		t.Errorf("sequences = %d, %d, want 1, 3", entries[0].Sequence, entries[1].Sequence)
	}
}

func TestStore_PersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")

	store1, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, err := store1.Append(EntrySnapshotCreated, "exec-1", event("snap_a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2, err := store1.Append(EntryRestoreStarted, "exec-1", event("snap_a"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	store1.Close()

	store2, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer store2.Close()

	e3, err := store2.Append(EntryRestoreSucceeded, "exec-1", event("snap_a"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if e3.Sequence != 3 {
		t.Errorf("e3.Sequence = %d, want 3", e3.Sequence)
	}
	if e3.PrevHash != e2.Hash {
		t.Errorf("e3.PrevHash = %s, want %s (chain broken)", e3.PrevHash, e2.Hash)
	}
}

func TestStore_VerifyChain(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	for i := 0; i < 4; i++ {
		if _, err := store.Append(EntrySnapshotCreated, "exec-1", event("snap_a")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	res, err := store.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntryCount != 4 {
		t.Fatalf("VerifyChain() = %+v, want valid with 4 entries", res)
	}

	if _, err := store.db.Exec(`UPDATE entries SET data = ? WHERE seq = 3`, `{"snapshot_id":"snap_evil"}`); err != nil {
		t.Fatalf("tampering: %v", err)
	}
	res, err = store.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("VerifyChain() reported a tampered log as valid")
	}
	if res.BrokenAt != 3 {
		t.Errorf("BrokenAt = %d, want 3", res.BrokenAt)
	}
}

func TestStore_VerifyChainDetectsDeletion(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	for i := 0; i < 3; i++ {
		if _, err := store.Append(EntrySnapshotCreated, "exec-1", event("snap_a")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := store.db.Exec(`DELETE FROM entries WHERE seq = 2`); err != nil {
		t.Fatalf("deleting: %v", err)
	}

	res, err := store.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid || res.BrokenAt != 2 {
		t.Errorf("VerifyChain() = %+v, want broken at 2", res)
	}
}

func TestStore_SharedFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	a, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore a: %v", err)
	}
	defer a.Close()
	b, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore b: %v", err)
	}
	defer b.Close()

	if _, err := a.Append(EntrySnapshotCreated, "exec-1", event("snap_a")); err != nil {
		t.Fatalf("a.Append: %v", err)
	}
	eb, err := b.Append(EntryRestoreStarted, "exec-1", event("snap_a"))
	if err != nil {
		t.Fatalf("b.Append after a: %v", err)
	}
	if eb.Sequence != FirstSequence+1 {
		t.Errorf("b entry Sequence = %d, want %d", eb.Sequence, FirstSequence+1)
	}
	ea, err := a.Append(EntryRestoreSucceeded, "exec-1", event("snap_a"))
	if err != nil {
		t.Fatalf("a.Append after b: %v", err)
	}
	if ea.PrevHash != eb.Hash {
		t.Errorf("a entry PrevHash = %q, want b's hash %q", ea.PrevHash, eb.Hash)
	}

	result, err := b.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid || result.EntryCount != 3 {
		t.Errorf("VerifyChain = %+v, want valid with 3 entries", result)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}
