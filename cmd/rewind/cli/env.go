package cli

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/majorcontext/rewind/internal/audit"
	"github.com/majorcontext/rewind/internal/config"
	"github.com/majorcontext/rewind/internal/driver/docker"
	"github.com/majorcontext/rewind/internal/driver/hypervisor"
	"github.com/majorcontext/rewind/internal/driver/kube"
	"github.com/majorcontext/rewind/internal/execx"
	"github.com/majorcontext/rewind/internal/log"
	"github.com/majorcontext/rewind/internal/rollback"
	"github.com/majorcontext/rewind/internal/storage"
)

// env is everything a command needs to talk to the manager.
type env struct {
	store   *storage.Store
	audit   *audit.Store
	mgr     *rollback.Manager
	closers []func() error
}

// openEnv opens the snapshot and audit databases and builds a manager. With
// withDrivers unset the manager has no drivers, which is enough for commands
// that only read or re-label records.
func openEnv(withDrivers bool) (*env, error) {
	store, err := storage.Open(cfg.SnapshotDB())
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	auditStore, err := audit.OpenStore(cfg.AuditDB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	e := &env{
		store:   store,
		audit:   auditStore,
		closers: []func() error{store.Close, auditStore.Close},
	}

	var drivers rollback.Drivers
	if withDrivers {
		drivers = e.buildDrivers(cfg)
	}
	e.mgr = rollback.New(cfg, store, drivers,
		rollback.WithAuditor(auditStore),
		rollback.WithMetrics(rollback.NewMetrics(prometheus.DefaultRegisterer)),
	)
	return e, nil
}

// buildDrivers connects every platform it can. A platform whose client
// can't be built is left out, so its asset kind reports as unsupported.
func (e *env) buildDrivers(c config.Config) rollback.Drivers {
	var d rollback.Drivers

	if k, err := kube.NewFromConfig(c.Kube.Kubeconfig, c.Kube.Context, c.Kube.PollInterval); err != nil {
		log.Debug("kubernetes driver unavailable", "error", err)
	} else {
		d.Orchestrator = k
	}

	if dk, dc, err := docker.NewFromEnv(c.Docker.Host, docker.Options{
		Repository:         c.Docker.ImageRepository,
		StopTimeoutSeconds: c.Docker.StopTimeoutSeconds,
	}); err != nil {
		log.Debug("docker driver unavailable", "error", err)
	} else {
		d.Container = dk
		e.closers = append(e.closers, dc.Close)
	}

	d.Hypervisor = hypervisor.NewDefault(execx.System{}, hypervisor.Tools{
		Govc:       c.Hypervisor.Govc,
		Virsh:      c.Hypervisor.Virsh,
		PowerShell: c.Hypervisor.PowerShell,
	})
	return d
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
