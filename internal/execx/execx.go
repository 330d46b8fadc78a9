// Package execx runs external tools with cancellation that reaches the
// whole process tree.
//
// When the context ends the child and everything it spawned are killed, so
// a timed-out hypervisor or probe command cannot keep mutating state after
// the caller has given up.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after a kill.
const waitDelay = 2 * time.Second

// Output is the captured result of a finished command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Name string
	Args []string
	Output
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, msg)
}

// Runner executes a command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// System runs commands on the local host.
type System struct{}

// Run executes name with args. A non-zero exit yields *ExitError; a context
// that ends first yields an error wrapping ctx.Err().
func (System) Run(ctx context.Context, name string, args ...string) (Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	killTree(cmd)

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ExitError{Name: name, Args: args, Output: out}
	}
	if err != nil {
		return out, fmt.Errorf("running %s: %w", name, err)
	}
	return out, nil
}
