// Package health runs the post-restore probes that decide whether a
// recovered workload actually works.
package health

import (
	"fmt"
	"time"
)

// ProbeType selects how a Spec is evaluated.
type ProbeType string

const (
	ProbeHTTP    ProbeType = "http"
	ProbeCommand ProbeType = "command"
	ProbePort    ProbeType = "port"
)

// Spec is one declarative probe supplied by the caller at rollback time.
// Only the fields for its Type are consulted.
type Spec struct {
	Type ProbeType `yaml:"type" json:"type"`
	Name string    `yaml:"name" json:"name"`

	// HTTP: URL wins over Path, which is resolved against Target.BaseURL.
	URL          string `yaml:"url,omitempty" json:"url,omitempty"`
	Path         string `yaml:"path,omitempty" json:"path,omitempty"`
	Method       string `yaml:"method,omitempty" json:"method,omitempty"`
	ExpectStatus int    `yaml:"expect_status,omitempty" json:"expect_status,omitempty"`
	BodyContains string `yaml:"body_contains,omitempty" json:"body_contains,omitempty"`

	// Command: argv and the exit code that counts as healthy.
	Command        []string `yaml:"command,omitempty" json:"command,omitempty"`
	ExpectExitCode int      `yaml:"expect_exit_code,omitempty" json:"expect_exit_code,omitempty"`

	// Port: Host defaults to Target.Host.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// TimeoutSeconds is the hard limit for this probe; 0 uses the type default.
	TimeoutSeconds float64 `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Validate reports specs that can never be evaluated.
func (s Spec) Validate() error {
	switch s.Type {
	case ProbeHTTP:
		if s.URL == "" && s.Path == "" {
			return fmt.Errorf("probe %q: http probe needs url or path", s.Name)
		}
	case ProbeCommand:
		if len(s.Command) == 0 {
			return fmt.Errorf("probe %q: command probe needs a command", s.Name)
		}
	case ProbePort:
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("probe %q: port %d out of range", s.Name, s.Port)
		}
	default:
		return fmt.Errorf("probe %q: unknown type %q", s.Name, s.Type)
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("probe %q: negative timeout", s.Name)
	}
	return nil
}

func (s Spec) timeout(d Defaults) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds * float64(time.Second))
	}
	switch s.Type {
	case ProbeHTTP:
		return d.HTTP
	case ProbeCommand:
		return d.Command
	default:
		return d.Port
	}
}

// Outcome separates "checked and unhealthy" from "could not check".
// Both count as a failed probe.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// Result is the evaluation of one Spec.
type Result struct {
	Name      string        `json:"name"`
	Type      ProbeType     `json:"type"`
	Passed    bool          `json:"passed"`
	Outcome   Outcome       `json:"outcome"`
	Observed  string        `json:"observed,omitempty"`
	Expected  string        `json:"expected,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Target is what relative probes are aimed at, usually the restored asset's endpoint.
type Target struct {
	BaseURL string
	Host    string
}

// Failed returns the names of the results that did not pass.
func Failed(results []Result) []string {
	var names []string
	for _, r := range results {
		if !r.Passed {
			names = append(names, r.Name)
		}
	}
	return names
}
