package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const journalDateLayout = "2006-01-02"

// Journal is an io.Writer that appends to <dir>/<date>.jsonl, switching
// files when the local date changes. <dir>/latest points at the current file.
type Journal struct {
	dir string

	mu   sync.Mutex
	f    *os.File
	date string
}

// OpenJournal creates dir if needed and opens today's file.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	j := &Journal{dir: dir}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.openLocked(time.Now().Format(journalDateLayout)); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) Write(p []byte) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if today := time.Now().Format(journalDateLayout); today != j.date || j.f == nil {
		if err := j.openLocked(today); err != nil {
			return 0, err
		}
	}
	return j.f.Write(p)
}

// Close closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *Journal) openLocked(date string) error {
	if j.f != nil {
		_ = j.f.Close()
	}
	name := date + ".jsonl"
	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal file: %w", err)
	}
	j.f = f
	j.date = date

	link := filepath.Join(j.dir, "latest")
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(name, tmp); err == nil {
		_ = os.Rename(tmp, link)
	}
	return nil
}

// Prune deletes journal files in dir whose date is more than
// retentionDays in the past. Unrecognised files are left alone.
func Prune(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day, err := time.ParseInLocation(journalDateLayout, strings.TrimSuffix(name, ".jsonl"), time.Local)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}
