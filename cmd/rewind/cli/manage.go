package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <snapshot-id>...",
	Short: "Delete snapshot artifacts",
	Long: `Release the platform artifact behind each snapshot (the committed image
or the hypervisor snapshot) and mark the record Deleted. Deployment snapshots
have no artifact of their own; their records are marked Deleted.

Examples:
  rewind cleanup snap_1a2b3c4d snap_5e6f7a8b`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCleanup,
}

var rearmCmd = &cobra.Command{
	Use:   "rearm <snapshot-id>",
	Short: "Make a snapshot whose restore failed restorable again",
	Long: `A failed restore leaves its snapshot Failed so it is never retried by
accident. Re-arming returns it to Ready once you have confirmed that another
attempt is safe. Snapshots whose creation failed, or whose artifact is
corrupted, cannot be re-armed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRearm,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail snapshots left mid-operation by a crashed process",
	Long: `Mark snapshots stuck in Creating or Restoring as Failed with detail
"interrupted". Run it only when no other rewind process is working on the
same database.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(rearmCmd)
	rootCmd.AddCommand(recoverCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	var failed int
	for _, id := range args {
		snap, err := e.mgr.GetSnapshot(cmd.Context(), id)
		if err == nil {
			err = e.mgr.Cleanup(cmd.Context(), snap)
		}
		if err != nil {
			cmd.PrintErrf("%s: %v\n", id, err)
			failed++
			continue
		}
		if !jsonOut {
			fmt.Printf("Deleted %s\n", id)
		}
	}
	if jsonOut {
		_ = writeJSON(map[string]int{"deleted": len(args) - failed, "failed": failed})
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d snapshots could not be cleaned up", failed, len(args))
	}
	return nil
}

func runRearm(cmd *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	snap, err := e.mgr.Rearm(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(snap)
	}
	fmt.Printf("Snapshot %s is %s\n", snap.ID, snap.Status)
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	n, err := e.mgr.Recover(cmd.Context())
	if err != nil {
		return fmt.Errorf("recovering snapshots: %w", err)
	}
	if jsonOut {
		return writeJSON(map[string]int{"recovered": n})
	}
	fmt.Printf("Recovered %d interrupted snapshots\n", n)
	return nil
}
