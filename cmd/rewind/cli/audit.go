package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var auditExecution string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the snapshot audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the audit log",
	Long: `Verify the audit log's hash chain: every entry must follow the previous
one without gaps and hash to its recorded value. Any edited or deleted entry
breaks the chain.

Example:
  rewind audit verify`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditLogCmd = &cobra.Command{
	Use:   "log --execution <id>",
	Short: "Show the audit entries of a remediation execution",
	Args:  cobra.NoArgs,
	RunE:  runAuditLog,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditLogCmd)
	auditLogCmd.Flags().StringVarP(&auditExecution, "execution", "e", "", "execution ID")
	_ = auditLogCmd.MarkFlagRequired("execution")
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	result, err := e.audit.VerifyChain()
	if err != nil {
		return fmt.Errorf("verification error: %w", err)
	}

	if jsonOut {
		if err := writeJSON(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Printf("[ok] Hash chain: %d entries, no gaps, all hashes valid\n", result.EntryCount)
	} else {
		fmt.Printf("[FAIL] Hash chain: broken at entry %d: %s\n", result.BrokenAt, result.Reason)
	}

	if !result.Valid {
		return errors.New("audit log failed verification")
	}
	return nil
}

func runAuditLog(cmd *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.audit.ByExecution(auditExecution)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	if jsonOut {
		return writeJSON(entries)
	}
	for _, entry := range entries {
		ev, err := entry.Event()
		if err != nil {
			fmt.Printf("%6d  %s  %s\n", entry.Sequence, entry.Timestamp.Local().Format("2006-01-02 15:04:05"), entry.Type)
			continue
		}
		line := fmt.Sprintf("%6d  %s  %-22s %s %s", entry.Sequence, entry.Timestamp.Local().Format("2006-01-02 15:04:05"), entry.Type, ev.SnapshotID, ev.Status)
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		fmt.Println(line)
	}
	return nil
}
