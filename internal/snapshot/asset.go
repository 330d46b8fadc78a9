package snapshot

import (
	"errors"
	"fmt"
)

// AssetKind is the caller-facing name of what is being protected.
type AssetKind string

const (
	AssetDeployment AssetKind = "deployment"
	AssetContainer  AssetKind = "container"
	AssetVM         AssetKind = "vm"
)

// Platform maps an asset kind to the platform that snapshots it. Unknown
// kinds map to the empty PlatformKind.
func (k AssetKind) Platform() PlatformKind {
	switch k {
	case AssetDeployment:
		return PlatformOrchestrator
	case AssetContainer:
		return PlatformContainer
	case AssetVM:
		return PlatformVM
	}
	return ""
}

// Asset describes the live workload to protect. Which identifying fields are
// required depends on Kind.
type Asset struct {
	Kind        AssetKind `json:"kind" yaml:"kind"`
	ExecutionID string    `json:"execution_id" yaml:"execution_id"`

	// Endpoint is where health probes reach the workload after a restore.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	Deployment string `json:"deployment,omitempty" yaml:"deployment,omitempty"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	ContainerID string `json:"container_id,omitempty" yaml:"container_id,omitempty"`

	VMID          string `json:"vm_id,omitempty" yaml:"vm_id,omitempty"`
	Hypervisor    string `json:"hypervisor,omitempty" yaml:"hypervisor,omitempty"`
	IncludeMemory bool   `json:"include_memory,omitempty" yaml:"include_memory,omitempty"`
}

// ErrInvalidAsset is returned for an asset missing the fields its kind needs.
var ErrInvalidAsset = errors.New("invalid asset")

// Validate checks the identifying fields for the asset's kind. It does not
// reject unknown kinds; that is the caller's dispatch decision.
func (a Asset) Validate() error {
	switch a.Kind {
	case AssetDeployment:
		if a.Deployment == "" {
			return fmt.Errorf("%w: deployment name is required", ErrInvalidAsset)
		}
	case AssetContainer:
		if a.ContainerID == "" {
			return fmt.Errorf("%w: container id is required", ErrInvalidAsset)
		}
	case AssetVM:
		if a.VMID == "" {
			return fmt.Errorf("%w: vm id is required", ErrInvalidAsset)
		}
		if a.Hypervisor == "" {
			return fmt.Errorf("%w: hypervisor is required", ErrInvalidAsset)
		}
	}
	return nil
}

// Namespaced returns the namespace, defaulting to "default".
func (a Asset) Namespaced() string {
	if a.Namespace == "" {
		return "default"
	}
	return a.Namespace
}
