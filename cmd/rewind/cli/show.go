package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/rewind/internal/snapshot"
)

var listExecution string

var showCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Show a snapshot record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(false)
		if err != nil {
			return err
		}
		defer e.Close()

		snap, err := e.mgr.GetSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(snap)
		}
		printSnapshot(snap)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list --execution <id>",
	Short: "List the snapshots of a remediation execution",
	Long: `List every snapshot recorded for one remediation execution, oldest first.

Examples:
  rewind list --execution run-42
  rewind list --execution run-42 --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listExecution, "execution", "e", "", "execution ID")
	_ = listCmd.MarkFlagRequired("execution")
}

func runList(cmd *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	snaps, err := e.mgr.ListByExecution(cmd.Context(), listExecution)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	if jsonOut {
		if snaps == nil {
			snaps = []*snapshot.Snapshot{}
		}
		return writeJSON(snaps)
	}
	if len(snaps) == 0 {
		fmt.Printf("No snapshots found for execution %s\n", listExecution)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tSTATUS\tSIZE\tCREATED\tRESTORES")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID,
			s.Platform,
			s.Status,
			formatBytes(s.SizeBytes),
			formatAge(s.CreatedAt),
			s.RestoreAttempts,
		)
	}
	return w.Flush()
}

func printSnapshot(s *snapshot.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", s.ID)
	if s.ExecutionID != "" {
		fmt.Fprintf(w, "Execution:\t%s\n", s.ExecutionID)
	}
	fmt.Fprintf(w, "Platform:\t%s\n", s.Platform)
	fmt.Fprintf(w, "Status:\t%s\n", s.Status)
	if target := describeLocator(s.Locator); target != "" {
		fmt.Fprintf(w, "Target:\t%s\n", target)
	}
	if s.Checksum != "" {
		fmt.Fprintf(w, "Checksum:\t%s\n", s.Checksum)
	}
	fmt.Fprintf(w, "Size:\t%s\n", formatBytes(s.SizeBytes))
	fmt.Fprintf(w, "Created:\t%s (%s)\n", s.CreatedAt.Local().Format("2006-01-02 15:04:05"), formatAge(s.CreatedAt))
	if s.RestoreAttempts > 0 {
		fmt.Fprintf(w, "Restores:\t%d\n", s.RestoreAttempts)
	}
	if s.RestoreDurationSeconds != nil {
		fmt.Fprintf(w, "Restore time:\t%s\n", formatSeconds(*s.RestoreDurationSeconds))
	}
	if s.FailureDetail != "" {
		fmt.Fprintf(w, "Failure:\t%s (%s)\n", s.FailureDetail, s.FailureStage)
	}
	w.Flush()

	if len(s.HealthResults) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Health checks")
	for _, r := range s.HealthResults {
		mark := "[ok]"
		if !r.Passed {
			mark = "[FAIL]"
		}
		line := fmt.Sprintf("  %s %s (%s)", mark, r.Name, r.Type)
		if !r.Passed {
			switch {
			case r.Error != "":
				line += ": " + r.Error
			case r.Observed != "":
				line += fmt.Sprintf(": got %s, want %s", r.Observed, r.Expected)
			}
		}
		fmt.Println(line)
	}
}

func describeLocator(loc snapshot.Locator) string {
	switch l := loc.(type) {
	case snapshot.OrchestratorLocator:
		return fmt.Sprintf("deployment %s/%s revision %d", l.Namespace, l.Deployment, l.Revision)
	case snapshot.ContainerLocator:
		return fmt.Sprintf("container %s from image %s", l.ContainerName, l.ImageTag)
	case snapshot.VMLocator:
		return fmt.Sprintf("%s vm %s snapshot %s", l.Hypervisor, l.VMID, l.SnapshotName)
	}
	return ""
}
