package hypervisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/rewind/internal/driver"
	"github.com/majorcontext/rewind/internal/execx"
	"github.com/majorcontext/rewind/internal/snapshot"
)

type recordingRunner struct {
	calls [][]string
	fail  *execx.ExitError
	block bool
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) (execx.Output, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.block {
		<-ctx.Done()
		return execx.Output{}, ctx.Err()
	}
	if r.fail != nil {
		return r.fail.Output, r.fail
	}
	return execx.Output{}, nil
}

func (r *recordingRunner) last() string {
	if len(r.calls) == 0 {
		return ""
	}
	return strings.Join(r.calls[len(r.calls)-1], " ")
}

func vmAsset(hv string, memory bool) snapshot.Asset {
	return snapshot.Asset{Kind: snapshot.AssetVM, VMID: "web01", Hypervisor: hv, IncludeMemory: memory}
}

func TestCommandLines(t *testing.T) {
	tests := []struct {
		hv      string
		memory  bool
		create  string
		revert  string
		discard string
	}{
		{
			hv:      "vmware",
			memory:  true,
			create:  "govc snapshot.create -vm web01 -m=true rewind-snap_1",
			revert:  "govc snapshot.revert -vm web01 rewind-snap_1",
			discard: "govc snapshot.remove -vm web01 rewind-snap_1",
		},
		{
			hv:      "kvm",
			create:  "virsh snapshot-create-as --domain web01 --name rewind-snap_1 --atomic",
			revert:  "virsh snapshot-revert --domain web01 --snapshotname rewind-snap_1",
			discard: "virsh snapshot-delete --domain web01 --snapshotname rewind-snap_1",
		},
		{
			hv:      "hyperv",
			create:  "powershell.exe -NoProfile -NonInteractive -Command Set-VM -Name 'web01' -CheckpointType Production; Checkpoint-VM -Name 'web01' -SnapshotName 'rewind-snap_1'",
			revert:  "powershell.exe -NoProfile -NonInteractive -Command Restore-VMSnapshot -VMName 'web01' -Name 'rewind-snap_1' -Confirm:$false",
			discard: "powershell.exe -NoProfile -NonInteractive -Command Remove-VMSnapshot -VMName 'web01' -Name 'rewind-snap_1' -Confirm:$false",
		},
	}
	for _, tt := range tests {
		t.Run(tt.hv, func(t *testing.T) {
			r := &recordingRunner{}
			d := NewDefault(r, Tools{})
			ctx := context.Background()

			capture, err := d.CreateSnapshot(ctx, vmAsset(tt.hv, tt.memory), "snap_1")
			require.NoError(t, err)
			assert.Equal(t, tt.create, r.last())
			assert.Equal(t, "rewind-snap_1", capture.Locator.SnapshotName)
			assert.Equal(t, tt.hv, capture.Locator.Hypervisor)
			assert.Equal(t, tt.memory, capture.Locator.IncludeMemory)

			require.NoError(t, d.Restore(ctx, capture.Locator))
			assert.Equal(t, tt.revert, r.last())

			require.NoError(t, d.Discard(ctx, capture.Locator))
			assert.Equal(t, tt.discard, r.last())
		})
	}
}

func TestKVMSnapshotsAreInternal(t *testing.T) {
	for _, memory := range []bool{false, true} {
		r := &recordingRunner{}
		_, err := NewDefault(r, Tools{}).CreateSnapshot(context.Background(), vmAsset("kvm", memory), "snap_1")
		require.NoError(t, err)
		assert.NotContains(t, r.calls[0], "--disk-only", "memory=%v", memory)
		assert.NotContains(t, r.calls[0], "--live", "memory=%v", memory)
	}
}

func TestHypervisorNameIsCaseInsensitive(t *testing.T) {
	r := &recordingRunner{}
	_, err := NewDefault(r, Tools{}).CreateSnapshot(context.Background(), vmAsset("KVM", true), "snap_1")
	require.NoError(t, err)
	assert.Equal(t, "virsh", r.calls[0][0])
}

func TestCustomBinaries(t *testing.T) {
	r := &recordingRunner{}
	d := NewDefault(r, Tools{Govc: "/opt/govc", Virsh: "virsh", PowerShell: "pwsh"})
	_, err := d.CreateSnapshot(context.Background(), vmAsset("vmware", false), "snap_1")
	require.NoError(t, err)
	assert.Equal(t, "/opt/govc", r.calls[0][0])
}

func TestUnsupportedHypervisor(t *testing.T) {
	r := &recordingRunner{}
	d := NewDefault(r, Tools{})

	_, err := d.CreateSnapshot(context.Background(), vmAsset("xen", false), "snap_1")
	assert.ErrorIs(t, err, driver.ErrUnsupportedHypervisor)

	err = d.Restore(context.Background(), snapshot.VMLocator{VMID: "web01", SnapshotName: "x", Hypervisor: "xen"})
	assert.ErrorIs(t, err, driver.ErrUnsupportedHypervisor)
	assert.Empty(t, r.calls)
}

func TestToolFailure(t *testing.T) {
	r := &recordingRunner{fail: &execx.ExitError{
		Name:   "virsh",
		Output: execx.Output{ExitCode: 1, Stderr: "error: Domain snapshot not found"},
	}}
	d := NewDefault(r, Tools{})

	err := d.Restore(context.Background(), snapshot.VMLocator{VMID: "web01", SnapshotName: "rewind-snap_1", Hypervisor: "kvm"})
	var te *driver.ToolError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "virsh", te.Tool)
	assert.Equal(t, 1, te.ExitCode)
	assert.Contains(t, te.Stderr, "Domain snapshot not found")
}

func TestCancelledToolIsNotAToolError(t *testing.T) {
	r := &recordingRunner{block: true}
	d := NewDefault(r, Tools{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Restore(ctx, snapshot.VMLocator{VMID: "web01", SnapshotName: "s", Hypervisor: "vmware"})
	assert.ErrorIs(t, err, context.Canceled)
	var te *driver.ToolError
	assert.False(t, errors.As(err, &te))
}

func TestPSQuote(t *testing.T) {
	assert.Equal(t, `'it''s'`, psQuote("it's"))
}
