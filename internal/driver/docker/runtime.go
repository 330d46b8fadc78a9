package docker

import (
	"maps"
	"slices"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"

	"github.com/majorcontext/rewind/internal/snapshot"
)

// runtimeFromInspect captures what is needed to recreate the container.
func runtimeFromInspect(c container.InspectResponse) snapshot.RuntimeConfig {
	rc := snapshot.RuntimeConfig{}
	if cfg := c.Config; cfg != nil {
		rc.Image = cfg.Image
		rc.Cmd = cfg.Cmd
		rc.Entrypoint = cfg.Entrypoint
		rc.Env = cfg.Env
		rc.WorkingDir = cfg.WorkingDir
		rc.User = cfg.User
		rc.Labels = maps.Clone(cfg.Labels)
		for port := range cfg.ExposedPorts {
			rc.ExposedPorts = append(rc.ExposedPorts, string(port))
		}
		slices.Sort(rc.ExposedPorts)
	}
	if hc := c.HostConfig; hc != nil {
		if len(hc.PortBindings) > 0 {
			rc.PortBindings = make(map[string][]snapshot.PortBinding, len(hc.PortBindings))
			for port, bindings := range hc.PortBindings {
				for _, b := range bindings {
					rc.PortBindings[string(port)] = append(rc.PortBindings[string(port)], snapshot.PortBinding{
						HostIP:   b.HostIP,
						HostPort: b.HostPort,
					})
				}
			}
		}
		rc.Binds = hc.Binds
		for _, m := range hc.Mounts {
			rc.Mounts = append(rc.Mounts, snapshot.Mount{
				Type:     string(m.Type),
				Source:   m.Source,
				Target:   m.Target,
				ReadOnly: m.ReadOnly,
			})
		}
		rc.NetworkMode = string(hc.NetworkMode)
		rc.RestartPolicy = string(hc.RestartPolicy.Name)
	}
	return rc
}

// createConfig rebuilds create parameters from a locator. The image is
// referenced by ID so a retagged repository can't change what runs.
func createConfig(loc snapshot.ContainerLocator) (*container.Config, *container.HostConfig) {
	rc := loc.Runtime

	labels := maps.Clone(rc.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[LineageLabel] = loc.Lineage

	var exposed nat.PortSet
	if len(rc.ExposedPorts) > 0 {
		exposed = make(nat.PortSet, len(rc.ExposedPorts))
		for _, p := range rc.ExposedPorts {
			exposed[nat.Port(p)] = struct{}{}
		}
	}

	var bindings nat.PortMap
	if len(rc.PortBindings) > 0 {
		bindings = make(nat.PortMap, len(rc.PortBindings))
		for port, bs := range rc.PortBindings {
			for _, b := range bs {
				bindings[nat.Port(port)] = append(bindings[nat.Port(port)], nat.PortBinding{
					HostIP:   b.HostIP,
					HostPort: b.HostPort,
				})
			}
		}
	}

	var mounts []mount.Mount
	for _, m := range rc.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:        loc.ImageID,
		Cmd:          rc.Cmd,
		Entrypoint:   rc.Entrypoint,
		Env:          rc.Env,
		WorkingDir:   rc.WorkingDir,
		User:         rc.User,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Binds:         rc.Binds,
		Mounts:        mounts,
		NetworkMode:   container.NetworkMode(rc.NetworkMode),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(rc.RestartPolicy)},
	}
	return cfg, hostCfg
}
