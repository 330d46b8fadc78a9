package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/majorcontext/rewind/internal/health"
)

var (
	rollbackChecksFile string
	rollbackNoVerify   bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <snapshot-id>",
	Short: "Restore an asset to a snapshot and verify its health",
	Long: `Restore the asset a snapshot was taken of, then run health checks
against it. The command exits non-zero when the restore fails or any check
does not pass.

The checks file is YAML, either a list of checks or a map with a "checks" key:

  - type: http
    name: web
    path: /healthz
    expect_status: 200
  - type: port
    name: postgres
    port: 5432
  - type: command
    name: queue-drained
    command: ["./scripts/queue-depth", "--max", "0"]

Examples:
  rewind rollback snap_1a2b3c4d --checks checks.yaml
  rewind rollback snap_1a2b3c4d --no-verify`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().StringVar(&rollbackChecksFile, "checks", "", "YAML file of health checks to run after restoring")
	rollbackCmd.Flags().BoolVar(&rollbackNoVerify, "no-verify", false, "skip health checks")
}

func runRollback(cmd *cobra.Command, args []string) error {
	var checks []health.Spec
	if rollbackChecksFile != "" {
		var err error
		checks, err = loadChecks(rollbackChecksFile)
		if err != nil {
			return err
		}
	}

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	snap, err := e.mgr.GetSnapshot(ctx, args[0])
	if err != nil {
		return err
	}

	passed, rbErr := e.mgr.Rollback(ctx, snap, checks, !rollbackNoVerify)

	after, err := e.mgr.GetSnapshot(ctx, snap.ID)
	if err == nil {
		if jsonOut {
			_ = writeJSON(after)
		} else {
			printSnapshot(after)
		}
	}

	switch {
	case rbErr != nil:
		return rbErr
	case !passed:
		return errors.New("snapshot restored but health checks failed")
	}
	return nil
}

// loadChecks reads a checks file and validates every entry.
func loadChecks(path string) ([]health.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checks: %w", err)
	}

	var checks []health.Spec
	if err := yaml.Unmarshal(data, &checks); err != nil {
		var doc struct {
			Checks []health.Spec `yaml:"checks"`
		}
		if derr := yaml.Unmarshal(data, &doc); derr != nil {
			return nil, fmt.Errorf("parsing checks %s: %w", path, err)
		}
		checks = doc.Checks
	}

	for i, c := range checks {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("check %d in %s: %w", i+1, path, err)
		}
	}
	return checks, nil
}
