package hypervisor

import (
	"context"
	"strconv"
	"strings"

	"github.com/majorcontext/rewind/internal/execx"
)

// VMware drives vSphere through govc. Connection settings come from the
// usual GOVC_* environment.
type VMware struct {
	Runner execx.Runner
	Bin    string
}

func (v *VMware) Name() string { return "vmware" }

func (v *VMware) bin() string {
	if v.Bin == "" {
		return "govc"
	}
	return v.Bin
}

func (v *VMware) CreateSnapshot(ctx context.Context, vmID, name string, includeMemory bool) error {
	_, err := run(ctx, v.Runner, v.bin(), "snapshot.create", "-vm", vmID, "-m="+strconv.FormatBool(includeMemory), name)
	return err
}

func (v *VMware) RevertSnapshot(ctx context.Context, vmID, name string) error {
	_, err := run(ctx, v.Runner, v.bin(), "snapshot.revert", "-vm", vmID, name)
	return err
}

func (v *VMware) DeleteSnapshot(ctx context.Context, vmID, name string) error {
	_, err := run(ctx, v.Runner, v.bin(), "snapshot.remove", "-vm", vmID, name)
	return err
}

// KVM drives libvirt through virsh.
//
// Snapshots are always internal. External (--disk-only) snapshots move the
// domain onto a new overlay and can't be reverted by virsh before libvirt
// 9.9. An internal snapshot of a running domain carries its memory whatever
// includeMemory says; a shut-off domain's carries none.
type KVM struct {
	Runner execx.Runner
	Bin    string
}

func (k *KVM) Name() string { return "kvm" }

func (k *KVM) bin() string {
	if k.Bin == "" {
		return "virsh"
	}
	return k.Bin
}

func (k *KVM) CreateSnapshot(ctx context.Context, vmID, name string, includeMemory bool) error {
	_, err := run(ctx, k.Runner, k.bin(), "snapshot-create-as", "--domain", vmID, "--name", name, "--atomic")
	return err
}

func (k *KVM) RevertSnapshot(ctx context.Context, vmID, name string) error {
	_, err := run(ctx, k.Runner, k.bin(), "snapshot-revert", "--domain", vmID, "--snapshotname", name)
	return err
}

func (k *KVM) DeleteSnapshot(ctx context.Context, vmID, name string) error {
	_, err := run(ctx, k.Runner, k.bin(), "snapshot-delete", "--domain", vmID, "--snapshotname", name)
	return err
}

// HyperV drives Hyper-V checkpoints through PowerShell.
type HyperV struct {
	Runner execx.Runner
	Bin    string
}

func (h *HyperV) Name() string { return "hyperv" }

func (h *HyperV) bin() string {
	if h.Bin == "" {
		return "powershell.exe"
	}
	return h.Bin
}

func (h *HyperV) ps(ctx context.Context, script string) error {
	_, err := run(ctx, h.Runner, h.bin(), "-NoProfile", "-NonInteractive", "-Command", script)
	return err
}

// CreateSnapshot makes a checkpoint. Hyper-V decides whether memory is
// captured from the VM's checkpoint type, so includeMemory selects between
// standard and production checkpoints.
func (h *HyperV) CreateSnapshot(ctx context.Context, vmID, name string, includeMemory bool) error {
	checkpointType := "Production"
	if includeMemory {
		checkpointType = "Standard"
	}
	script := "Set-VM -Name " + psQuote(vmID) + " -CheckpointType " + checkpointType + "; " +
		"Checkpoint-VM -Name " + psQuote(vmID) + " -SnapshotName " + psQuote(name)
	return h.ps(ctx, script)
}

func (h *HyperV) RevertSnapshot(ctx context.Context, vmID, name string) error {
	return h.ps(ctx, "Restore-VMSnapshot -VMName "+psQuote(vmID)+" -Name "+psQuote(name)+" -Confirm:$false")
}

func (h *HyperV) DeleteSnapshot(ctx context.Context, vmID, name string) error {
	return h.ps(ctx, "Remove-VMSnapshot -VMName "+psQuote(vmID)+" -Name "+psQuote(name)+" -Confirm:$false")
}

// psQuote makes s a single-quoted PowerShell literal.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
