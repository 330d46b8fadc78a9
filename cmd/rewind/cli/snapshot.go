package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/majorcontext/rewind/internal/snapshot"
)

var (
	snapExecution  string
	snapEndpoint   string
	snapNamespace  string
	snapHypervisor string
	snapMemory     bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <deployment|container|vm> <name-or-id>",
	Short: "Capture a restorable snapshot of an asset",
	Long: `Capture a snapshot of an asset before changing it.

The snapshot is recorded as Ready once the platform artifact exists:
  deployment  the current ReplicaSet revision of a Kubernetes deployment
  container   a committed image of a Docker container and its run config
  vm          a hypervisor snapshot of a virtual machine

Examples:
  rewind snapshot deployment checkout --namespace shop --execution run-42
  rewind snapshot container web-1 --endpoint http://10.0.0.7:8080
  rewind snapshot vm db-01 --hypervisor kvm --memory`,
	Args: cobra.ExactArgs(2),
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().StringVarP(&snapExecution, "execution", "e", "", "remediation execution ID to group the snapshot under")
	snapshotCmd.Flags().StringVar(&snapEndpoint, "endpoint", "", "base URL or host:port health checks run against")
	snapshotCmd.Flags().StringVarP(&snapNamespace, "namespace", "n", "", "Kubernetes namespace (default \"default\")")
	snapshotCmd.Flags().StringVar(&snapHypervisor, "hypervisor", "", "vmware, kvm or hyperv")
	snapshotCmd.Flags().BoolVar(&snapMemory, "memory", false, "include guest memory in VM snapshots")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	asset, err := assetFromArgs(snapshot.AssetKind(args[0]), args[1])
	if err != nil {
		return err
	}

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	snap, err := e.mgr.CreateSnapshot(cmd.Context(), asset)
	if err != nil {
		if snap != nil && jsonOut {
			_ = writeJSON(snap)
		}
		return err
	}

	if jsonOut {
		return writeJSON(snap)
	}
	fmt.Printf("Snapshot %s ready (%s, %s)\n", snap.ID, snap.Platform, formatBytes(snap.SizeBytes))
	return nil
}

func assetFromArgs(kind snapshot.AssetKind, target string) (snapshot.Asset, error) {
	a := snapshot.Asset{
		Kind:        kind,
		ExecutionID: snapExecution,
		Endpoint:    snapEndpoint,
	}
	switch kind {
	case snapshot.AssetDeployment:
		a.Deployment = target
		a.Namespace = snapNamespace
	case snapshot.AssetContainer:
		a.ContainerID = target
	case snapshot.AssetVM:
		a.VMID = target
		a.Hypervisor = snapHypervisor
		a.IncludeMemory = snapMemory
	default:
		return a, fmt.Errorf("unknown asset kind %q (want deployment, container or vm)", kind)
	}
	return a, nil
}
