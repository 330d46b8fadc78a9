// Package cli implements the rewind command-line interface using Cobra.
// It provides commands for capturing snapshots of deployments, containers
// and virtual machines, rolling them back and managing retention.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/majorcontext/rewind/internal/config"
	"github.com/majorcontext/rewind/internal/log"
)

var (
	configPath string
	verbose    bool
	jsonOut    bool

	// cfg is loaded once per invocation by the root command.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rewind",
	Short: "Rewind - snapshot and rollback for remediated infrastructure",
	Long: `Rewind captures a restorable snapshot of an asset before an automated
remediation touches it, and rolls the asset back when the remediation
leaves it unhealthy.

Supported assets are Kubernetes deployments, Docker containers and virtual
machines on VMware, KVM or Hyper-V. Every snapshot is tracked in a local
database and every lifecycle step is written to a tamper-evident audit log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			JournalDir:    cfg.JournalDir(),
			RetentionDays: cfg.Log.RetentionDays,
		}); err != nil {
			// The journal is optional; stderr logging still works.
			cmd.PrintErrf("Warning: failed to initialize log journal: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.rewind/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}
