// Package config loads rewind's settings from ~/.rewind/config.yaml.
//
// Precedence is defaults, then the YAML file, then REWIND_* environment
// variables. The resulting Config is passed by value to the components that
// need it; nothing reads configuration from global state.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the rollback manager and its drivers.
type Config struct {
	// DataDir holds the snapshot database, audit log and log journal.
	DataDir string `yaml:"data_dir"`
	// StorePath overrides <DataDir>/snapshots.db.
	StorePath string `yaml:"store_path,omitempty"`
	// AuditPath overrides <DataDir>/audit.db.
	AuditPath string `yaml:"audit_path,omitempty"`

	Timeouts Timeouts `yaml:"timeouts"`

	// Retention is how long Ready/Failed snapshots live before the sweep
	// marks them Expired.
	Retention time.Duration `yaml:"retention"`
	// SweepInterval is the period of the background retention sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Probes     ProbeDefaults    `yaml:"probes"`
	Kube       KubeConfig       `yaml:"kube"`
	Docker     DockerConfig     `yaml:"docker"`
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Log        LogConfig        `yaml:"log"`

	// MetricsAddr, when set, serves Prometheus metrics during `rewind sweep --watch`.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Timeouts bound a single driver call per platform.
type Timeouts struct {
	Orchestrator time.Duration `yaml:"orchestrator"`
	Container    time.Duration `yaml:"container"`
	VM           time.Duration `yaml:"vm"`
}

// ProbeDefaults apply to health probes that do not set timeout_seconds.
type ProbeDefaults struct {
	HTTP    time.Duration `yaml:"http"`
	Command time.Duration `yaml:"command"`
	Port    time.Duration `yaml:"port"`
}

// KubeConfig selects the cluster for deployment snapshots.
type KubeConfig struct {
	// Kubeconfig is a path; empty means in-cluster, then $KUBECONFIG.
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	Context    string `yaml:"context,omitempty"`
	// PollInterval is how often rollout status is checked during restore.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DockerConfig configures the container driver.
type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host string `yaml:"host,omitempty"`
	// ImageRepository prefixes committed snapshot images.
	ImageRepository string `yaml:"image_repository"`
	// StopTimeoutSeconds is the grace period before SIGKILL when replacing a container.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`
}

// HypervisorConfig names the native tools used by each VM backend.
type HypervisorConfig struct {
	Govc       string `yaml:"govc"`
	Virsh      string `yaml:"virsh"`
	PowerShell string `yaml:"powershell"`
	// IncludeMemory captures guest memory when the asset does not say otherwise.
	IncludeMemory bool `yaml:"include_memory"`
}

// LogConfig controls the JSONL journal.
type LogConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: Dir(),
		Timeouts: Timeouts{
			Orchestrator: 60 * time.Second,
			Container:    40 * time.Second,
			VM:           180 * time.Second,
		},
		Retention:     30 * 24 * time.Hour,
		SweepInterval: 24 * time.Hour,
		Probes: ProbeDefaults{
			HTTP:    10 * time.Second,
			Command: 30 * time.Second,
			Port:    5 * time.Second,
		},
		Kube: KubeConfig{
			PollInterval: 2 * time.Second,
		},
		Docker: DockerConfig{
			ImageRepository:    "rewind",
			StopTimeoutSeconds: 10,
		},
		Hypervisor: HypervisorConfig{
			Govc:       "govc",
			Virsh:      "virsh",
			PowerShell: "powershell.exe",
		},
		Log: LogConfig{
			RetentionDays: 14,
		},
	}
}

// Load reads path (or ~/.rewind/config.yaml when path is empty) over the
// defaults and applies environment overrides. A missing default file is not
// an error; a missing explicit path is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("REWIND_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KUBECONFIG"); v != "" && c.Kube.Kubeconfig == "" {
		c.Kube.Kubeconfig = v
	}
	if v := os.Getenv("REWIND_KUBECONFIG"); v != "" {
		c.Kube.Kubeconfig = v
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"REWIND_TIMEOUT_ORCHESTRATOR", &c.Timeouts.Orchestrator},
		{"REWIND_TIMEOUT_CONTAINER", &c.Timeouts.Container},
		{"REWIND_TIMEOUT_VM", &c.Timeouts.VM},
		{"REWIND_RETENTION", &c.Retention},
		{"REWIND_SWEEP_INTERVAL", &c.SweepInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	if v := os.Getenv("REWIND_INCLUDE_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REWIND_INCLUDE_MEMORY: %w", err)
		}
		c.Hypervisor.IncludeMemory = b
	}
	return nil
}

// Validate rejects configurations the manager cannot honour.
func (c Config) Validate() error {
	checks := []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.orchestrator", c.Timeouts.Orchestrator},
		{"timeouts.container", c.Timeouts.Container},
		{"timeouts.vm", c.Timeouts.VM},
		{"retention", c.Retention},
		{"sweep_interval", c.SweepInterval},
		{"probes.http", c.Probes.HTTP},
		{"probes.command", c.Probes.Command},
		{"probes.port", c.Probes.Port},
	}
	for _, ch := range checks {
		if ch.d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", ch.name, ch.d)
		}
	}
	if c.DataDir == "" && (c.StorePath == "" || c.AuditPath == "") {
		return errors.New("config: data_dir is required")
	}
	return nil
}

// SnapshotDB returns the snapshot database path.
func (c Config) SnapshotDB() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	return filepath.Join(c.DataDir, "snapshots.db")
}

// AuditDB returns the audit log database path.
func (c Config) AuditDB() string {
	if c.AuditPath != "" {
		return c.AuditPath
	}
	return filepath.Join(c.DataDir, "audit.db")
}

// JournalDir returns the log journal directory.
func (c Config) JournalDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Dir returns ~/.rewind, falling back to ./.rewind without a home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".rewind")
	}
	return filepath.Join(home, ".rewind")
}
