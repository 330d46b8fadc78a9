package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Locator says where a snapshot's captured state lives. Only the driver for
// Kind() interprets it; the set of implementations is closed.
type Locator interface {
	Kind() PlatformKind
	locator()
}

// OrchestratorLocator points at a Deployment revision kept by the cluster.
type OrchestratorLocator struct {
	Deployment     string `json:"deployment"`
	Namespace      string `json:"namespace"`
	Revision       int64  `json:"revision"`
	Replicas       int32  `json:"replicas"`
	ManifestDigest string `json:"manifest_digest"`
}

func (OrchestratorLocator) Kind() PlatformKind { return PlatformOrchestrator }
func (OrchestratorLocator) locator()           {}

// ContainerLocator points at an image committed from a container, plus what
// is needed to recreate the container from it.
type ContainerLocator struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	// Lineage is the ID of the container the chain of restores started from.
	Lineage  string        `json:"lineage"`
	ImageTag string        `json:"image_tag"`
	ImageID  string        `json:"image_id"`
	Runtime  RuntimeConfig `json:"runtime"`
}

func (ContainerLocator) Kind() PlatformKind { return PlatformContainer }
func (ContainerLocator) locator()           {}

// RuntimeConfig is the container configuration captured at snapshot time.
type RuntimeConfig struct {
	Image         string                   `json:"image,omitempty"`
	Cmd           []string                 `json:"cmd,omitempty"`
	Entrypoint    []string                 `json:"entrypoint,omitempty"`
	Env           []string                 `json:"env,omitempty"`
	WorkingDir    string                   `json:"working_dir,omitempty"`
	User          string                   `json:"user,omitempty"`
	Labels        map[string]string        `json:"labels,omitempty"`
	ExposedPorts  []string                 `json:"exposed_ports,omitempty"`
	PortBindings  map[string][]PortBinding `json:"port_bindings,omitempty"`
	Binds         []string                 `json:"binds,omitempty"`
	Mounts        []Mount                  `json:"mounts,omitempty"`
	NetworkMode   string                   `json:"network_mode,omitempty"`
	RestartPolicy string                   `json:"restart_policy,omitempty"`
}

// PortBinding maps a container port to a host address.
type PortBinding struct {
	HostIP   string `json:"host_ip,omitempty"`
	HostPort string `json:"host_port,omitempty"`
}

// Mount is a non-bind mount (volume, tmpfs) attached to the container.
type Mount struct {
	Type     string `json:"type"`
	Source   string `json:"source,omitempty"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// VMLocator points at a hypervisor-native VM snapshot.
type VMLocator struct {
	VMID          string `json:"vm_id"`
	SnapshotName  string `json:"snapshot_name"`
	Hypervisor    string `json:"hypervisor"`
	IncludeMemory bool   `json:"include_memory"`
}

func (VMLocator) Kind() PlatformKind { return PlatformVM }
func (VMLocator) locator()           {}

// ErrUnknownPlatform is returned when decoding a locator for a platform
// that has no locator type.
var ErrUnknownPlatform = errors.New("unknown platform kind")

// MarshalLocator encodes l as JSON. The platform is stored beside it, not in it.
func MarshalLocator(l Locator) ([]byte, error) {
	if l == nil {
		return nil, errors.New("nil locator")
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encoding %s locator: %w", l.Kind(), err)
	}
	return data, nil
}

// UnmarshalLocator decodes data into the locator type for kind.
func UnmarshalLocator(kind PlatformKind, data []byte) (Locator, error) {
	switch kind {
	case PlatformOrchestrator:
		var l OrchestratorLocator
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("decoding %s locator: %w", kind, err)
		}
		return l, nil
	case PlatformContainer:
		var l ContainerLocator
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("decoding %s locator: %w", kind, err)
		}
		return l, nil
	case PlatformVM:
		var l VMLocator
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("decoding %s locator: %w", kind, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, kind)
	}
}
