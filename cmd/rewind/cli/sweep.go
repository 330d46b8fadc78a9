package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/majorcontext/rewind/internal/log"
)

var sweepWatch bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire snapshots older than the retention window",
	Long: `Mark Ready and Failed snapshots older than the configured retention
window as Expired. Expired snapshots can no longer be restored.

With --watch the sweep repeats every sweep_interval until interrupted, and
Prometheus metrics are served on metrics_addr when it is configured.

Examples:
  rewind sweep
  rewind sweep --watch`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().BoolVarP(&sweepWatch, "watch", "w", false, "keep sweeping on an interval")
}

func runSweep(cmd *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	if !sweepWatch {
		n, err := e.mgr.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweeping snapshots: %w", err)
		}
		if jsonOut {
			return writeJSON(map[string]int{"expired": n})
		}
		fmt.Printf("Expired %d snapshots\n", n)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("retention sweep running", "interval", cfg.SweepInterval, "retention", cfg.Retention)
	if err := e.mgr.RunRetention(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}
