// Package hypervisor snapshots virtual machines through each hypervisor's
// native tooling. A Driver routes to the backend named by the asset or
// locator; restore semantics (memory state, power state) are whatever that
// hypervisor does natively.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/majorcontext/rewind/internal/driver"
	"github.com/majorcontext/rewind/internal/execx"
	"github.com/majorcontext/rewind/internal/log"
	"github.com/majorcontext/rewind/internal/snapshot"
)

// Backend drives one hypervisor.
type Backend interface {
	// Name is the value of Asset.Hypervisor / VMLocator.Hypervisor this backend serves.
	Name() string
	CreateSnapshot(ctx context.Context, vmID, name string, includeMemory bool) error
	RevertSnapshot(ctx context.Context, vmID, name string) error
	DeleteSnapshot(ctx context.Context, vmID, name string) error
}

// Tools names the binaries the built-in backends invoke.
type Tools struct {
	Govc       string
	Virsh      string
	PowerShell string
}

// Driver is the VM driver.
type Driver struct {
	backends map[string]Backend
}

var _ driver.Driver[snapshot.VMLocator] = (*Driver)(nil)

// New routes to the given backends by name.
func New(backends ...Backend) *Driver {
	d := &Driver{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		d.backends[strings.ToLower(b.Name())] = b
	}
	return d
}

// NewDefault wires the VMware, KVM and Hyper-V backends to runner.
func NewDefault(runner execx.Runner, tools Tools) *Driver {
	return New(
		&VMware{Runner: runner, Bin: tools.Govc},
		&KVM{Runner: runner, Bin: tools.Virsh},
		&HyperV{Runner: runner, Bin: tools.PowerShell},
	)
}

// Hypervisors lists the names the driver can route to.
func (d *Driver) Hypervisors() []string {
	names := make([]string, 0, len(d.backends))
	for n := range d.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Driver) backend(name string) (Backend, error) {
	b, ok := d.backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", driver.ErrUnsupportedHypervisor, name, strings.Join(d.Hypervisors(), ", "))
	}
	return b, nil
}

// SnapshotName is the hypervisor-side name of a snapshot.
func SnapshotName(snapshotID string) string {
	return "rewind-" + snapshotID
}

// CreateSnapshot takes a native VM snapshot named after snapshotID.
func (d *Driver) CreateSnapshot(ctx context.Context, asset snapshot.Asset, snapshotID string) (driver.Capture[snapshot.VMLocator], error) {
	var out driver.Capture[snapshot.VMLocator]
	b, err := d.backend(asset.Hypervisor)
	if err != nil {
		return out, err
	}
	name := SnapshotName(snapshotID)
	if err := b.CreateSnapshot(ctx, asset.VMID, name, asset.IncludeMemory); err != nil {
		return out, fmt.Errorf("%s snapshot of %s: %w", b.Name(), asset.VMID, err)
	}
	out.Locator = snapshot.VMLocator{
		VMID:          asset.VMID,
		SnapshotName:  name,
		Hypervisor:    b.Name(),
		IncludeMemory: asset.IncludeMemory,
	}
	out.Checksum = b.Name() + ":" + asset.VMID + "/" + name

	log.Debug("vm snapshot created",
		"snapshot_id", snapshotID,
		"hypervisor", b.Name(),
		"vm", asset.VMID,
		"include_memory", asset.IncludeMemory)
	return out, nil
}

// Restore reverts the VM to the recorded snapshot.
func (d *Driver) Restore(ctx context.Context, loc snapshot.VMLocator) error {
	b, err := d.backend(loc.Hypervisor)
	if err != nil {
		return err
	}
	if err := b.RevertSnapshot(ctx, loc.VMID, loc.SnapshotName); err != nil {
		return fmt.Errorf("%s revert of %s to %s: %w", b.Name(), loc.VMID, loc.SnapshotName, err)
	}
	return nil
}

// Discard deletes the hypervisor snapshot.
func (d *Driver) Discard(ctx context.Context, loc snapshot.VMLocator) error {
	b, err := d.backend(loc.Hypervisor)
	if err != nil {
		return err
	}
	if err := b.DeleteSnapshot(ctx, loc.VMID, loc.SnapshotName); err != nil {
		return fmt.Errorf("%s delete of %s on %s: %w", b.Name(), loc.SnapshotName, loc.VMID, err)
	}
	return nil
}

// run invokes a tool and converts failures into *driver.ToolError. A
// cancelled context is reported as such rather than as a tool failure.
func run(ctx context.Context, r execx.Runner, bin string, args ...string) (execx.Output, error) {
	out, err := r.Run(ctx, bin, args...)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", bin, ctx.Err())
	}
	te := &driver.ToolError{Tool: bin, Args: args, Err: err}
	var exitErr *execx.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode
		te.Stderr = exitErr.Stderr
	}
	return out, te
}
