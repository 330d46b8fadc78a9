// Package docker snapshots single containers by committing them to an image
// and restores them by recreating the container from that image.
package docker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/majorcontext/rewind/internal/driver"
	"github.com/majorcontext/rewind/internal/log"
	"github.com/majorcontext/rewind/internal/snapshot"
)

// LineageLabel marks a container recreated by a restore with the ID of the
// container its snapshot chain started from.
const LineageLabel = "dev.rewind.lineage"

// API is the subset of the Docker client the driver uses.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (container.CommitResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
}

// Options configures the driver.
type Options struct {
	// Repository is the image repository snapshots are committed under.
	Repository string
	// StopTimeoutSeconds is the grace period before the old container is killed.
	StopTimeoutSeconds int
}

// Driver is the container driver.
type Driver struct {
	api  API
	opts Options
}

var _ driver.Driver[snapshot.ContainerLocator] = (*Driver)(nil)

// New wraps an existing client.
func New(api API, opts Options) *Driver {
	if opts.Repository == "" {
		opts.Repository = "rewind"
	}
	if opts.StopTimeoutSeconds <= 0 {
		opts.StopTimeoutSeconds = 10
	}
	return &Driver{api: api, opts: opts}
}

// NewFromEnv connects using DOCKER_HOST and friends, or host when set.
func NewFromEnv(host string, opts Options) (*Driver, *client.Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating docker client: %w", err)
	}
	return New(cli, opts), cli, nil
}

// CreateSnapshot commits the container to <repository>/<name>:<snapshotID>.
// The container is paused for the duration of the commit.
func (d *Driver) CreateSnapshot(ctx context.Context, asset snapshot.Asset, snapshotID string) (driver.Capture[snapshot.ContainerLocator], error) {
	var out driver.Capture[snapshot.ContainerLocator]

	inspect, err := d.api.ContainerInspect(ctx, asset.ContainerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return out, fmt.Errorf("container %s: %w", asset.ContainerID, driver.ErrAssetNotFound)
		}
		return out, fmt.Errorf("inspecting container: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.Config == nil {
		return out, fmt.Errorf("inspecting container %s: incomplete response", asset.ContainerID)
	}

	name := strings.TrimPrefix(inspect.Name, "/")
	lineage := inspect.Config.Labels[LineageLabel]
	if lineage == "" {
		lineage = inspect.ID
	}
	tag := fmt.Sprintf("%s/%s:%s", d.opts.Repository, repoName(name), snapshotID)

	resp, err := d.api.ContainerCommit(ctx, inspect.ID, container.CommitOptions{
		Reference: tag,
		Comment:   "rewind snapshot " + snapshotID,
		Pause:     true,
	})
	if err != nil {
		return out, fmt.Errorf("committing container %s: %w", name, err)
	}

	img, err := d.api.ImageInspect(ctx, resp.ID)
	if err != nil {
		return out, fmt.Errorf("inspecting committed image: %w", err)
	}

	out.Locator = snapshot.ContainerLocator{
		ContainerID:   inspect.ID,
		ContainerName: name,
		Lineage:       lineage,
		ImageTag:      tag,
		ImageID:       img.ID,
		Runtime:       runtimeFromInspect(inspect),
	}
	out.Checksum = img.ID
	out.SizeBytes = img.Size

	log.Debug("committed container snapshot",
		"snapshot_id", snapshotID,
		"container", name,
		"image", tag)
	return out, nil
}

// Restore replaces the container holding the original name with one created
// from the snapshot image. A name held by an unrelated container is left
// alone.
func (d *Driver) Restore(ctx context.Context, loc snapshot.ContainerLocator) error {
	current, err := d.api.ContainerInspect(ctx, loc.ContainerName)
	exists := true
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("inspecting container %s: %w", loc.ContainerName, err)
		}
		exists = false
	}
	if exists && !ownedBy(current, loc) {
		return fmt.Errorf("container name %q is held by %s: %w", loc.ContainerName, shortID(current.ID), driver.ErrNameConflict)
	}

	img, err := d.api.ImageInspect(ctx, loc.ImageTag)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("image %s: %w", loc.ImageTag, driver.ErrArtifactCorrupted)
		}
		return fmt.Errorf("inspecting image %s: %w", loc.ImageTag, err)
	}
	if img.ID != loc.ImageID {
		return fmt.Errorf("image %s is %s, recorded %s: %w", loc.ImageTag, shortID(img.ID), shortID(loc.ImageID), driver.ErrArtifactCorrupted)
	}

	if exists {
		timeout := d.opts.StopTimeoutSeconds
		if err := d.api.ContainerStop(ctx, current.ID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("stopping container: %w", err)
		}
		if err := d.api.ContainerRemove(ctx, current.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("removing container: %w", err)
		}
	}

	cfg, hostCfg := createConfig(loc)
	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, loc.ContainerName)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.api.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("starting container: %w", err)
	}

	log.Debug("container restored from snapshot image",
		"container", loc.ContainerName,
		"container_id", shortID(resp.ID),
		"image", loc.ImageTag)
	return nil
}

// Discard untags the snapshot image. An image still used by a container
// survives until that container is gone.
func (d *Driver) Discard(ctx context.Context, loc snapshot.ContainerLocator) error {
	_, err := d.api.ImageRemove(ctx, loc.ImageTag, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing image %s: %w", loc.ImageTag, err)
	}
	return nil
}

func ownedBy(c container.InspectResponse, loc snapshot.ContainerLocator) bool {
	if c.ContainerJSONBase == nil {
		return false
	}
	if c.ID == loc.ContainerID {
		return true
	}
	return c.Config != nil && loc.Lineage != "" && c.Config.Labels[LineageLabel] == loc.Lineage
}

var invalidRepoChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// repoName turns a container name into a valid repository path component.
func repoName(name string) string {
	s := invalidRepoChars.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-._")
	if s == "" {
		return "container"
	}
	return s
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
