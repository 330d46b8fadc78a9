package driver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRevisionNotFound means the platform no longer holds the recorded revision.
	ErrRevisionNotFound = errors.New("recorded revision no longer exists")

	// ErrNameConflict means an unrelated workload has taken the name a restore needs.
	ErrNameConflict = errors.New("name held by an unrelated workload")

	// ErrArtifactCorrupted means the snapshot artifact is missing or doesn't
	// match what was recorded. The snapshot can't be used again.
	ErrArtifactCorrupted = errors.New("snapshot artifact missing or altered")

	// ErrUnsupportedHypervisor is returned for a hypervisor with no backend.
	ErrUnsupportedHypervisor = errors.New("unsupported hypervisor")

	// ErrAssetNotFound means the live asset to snapshot doesn't exist.
	ErrAssetNotFound = errors.New("asset not found")
)

// ToolError is a failed invocation of a platform's native tool.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Tool, strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		fmt.Fprintf(&b, ": %s", msg)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
