package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// Labels attached to every container and volume created by the benchmarker.
const (
	LabelManagedBy = "zeek-benchmarker.managed-by"
	LabelJobID     = "zeek-benchmarker.job-id"
	ManagedByValue = "zeek-benchmarker"
)

// Pull policies understood by PullImage.
const (
	PullAlways       = "always"
	PullIfNotPresent = "if-not-present"
	PullNever        = "never"
)

// ContainerManager is the container engine used to unpack builds and run
// benchmarks. It is implemented for Docker here and for Podman in
// pkg/podman.
type ContainerManager interface {
	Start(ctx context.Context) error
	Stop() error

	// Container operations.
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error

	// WaitContainer blocks until the container stops and returns its exit
	// code.
	WaitContainer(ctx context.Context, containerID string) (int64, error)

	// ContainerLogs copies the complete output of a stopped container,
	// keeping stdout and stderr separate.
	ContainerLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error

	// Image operations.
	ImageExists(ctx context.Context, imageName string) (bool, error)
	PullImage(ctx context.Context, imageName string, policy string) error

	// Volume operations.
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error

	// Cleanup operations.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	ListVolumes(ctx context.Context) ([]VolumeInfo, error)
}

// ResourceLimits defines container resource constraints.
type ResourceLimits struct {
	CpusetCpus  string // Comma-separated CPU IDs (e.g., "0,1,2")
	MemoryBytes int64
}

// ContainerSpec defines container configuration.
type ContainerSpec struct {
	Name        string
	Image       string
	Entrypoint  []string
	Command     []string
	WorkingDir  string
	Env         map[string]string
	Mounts      []Mount
	Labels      map[string]string
	CapAdd      []string
	SecurityOpt []string

	// NetworkDisabled runs the container without any network. NetworkName
	// is only used when the network is enabled.
	NetworkDisabled bool
	NetworkName     string

	ResourceLimits *ResourceLimits
}

// Mount types.
const (
	MountTypeBind   = "bind"
	MountTypeVolume = "volume"
	MountTypeTmpfs  = "tmpfs"
)

// Mount defines a volume, bind or tmpfs mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
	Type     string // "bind", "volume", "tmpfs"
	// SizeBytes limits a tmpfs mount, zero means the engine default.
	SizeBytes int64
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// VolumeInfo contains information about a volume for cleanup.
type VolumeInfo struct {
	Name   string
	Labels map[string]string
}

// ManagedLabels returns the labels identifying benchmarker resources, merged
// with extra.
func ManagedLabels(extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		labels[k] = v
	}

	labels[LabelManagedBy] = ManagedByValue

	return labels
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}

	sort.Strings(out)

	return out
}

// ShortID truncates a container id for logging.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}

// NewManager creates a new Docker manager.
func NewManager(log logrus.FieldLogger) (ContainerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ ContainerManager = (*manager)(nil)

// Start verifies the Docker daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	ping, err := m.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.WithField("api_version", ping.APIVersion).Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// CreateContainer creates a new container from the spec.
func (m *manager) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	log := m.log.WithField("container", spec.Name)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))

	for _, mnt := range spec.Mounts {
		dm := mount.Mount{
			Type:     mount.Type(mnt.Type),
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		}

		if mnt.Type == MountTypeTmpfs {
			dm.Source = ""
			dm.TmpfsOptions = &mount.TmpfsOptions{SizeBytes: mnt.SizeBytes}
		}

		mounts = append(mounts, dm)
	}

	containerCfg := &container.Config{
		Image:           spec.Image,
		User:            "root",
		Env:             EnvList(spec.Env),
		Labels:          spec.Labels,
		Entrypoint:      spec.Entrypoint,
		Cmd:             spec.Command,
		WorkingDir:      spec.WorkingDir,
		NetworkDisabled: spec.NetworkDisabled,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		CapAdd:      spec.CapAdd,
		SecurityOpt: spec.SecurityOpt,
	}

	switch {
	case spec.NetworkDisabled:
		hostCfg.NetworkMode = "none"
	case spec.NetworkName != "":
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkName)
	}

	if spec.ResourceLimits != nil {
		hostCfg.CpusetCpus = spec.ResourceLimits.CpusetCpus
		hostCfg.Memory = spec.ResourceLimits.MemoryBytes

		if spec.ResourceLimits.MemoryBytes > 0 {
			// No swap.
			hostCfg.MemorySwap = spec.ResourceLimits.MemoryBytes
			log = log.WithField("memory", units.BytesSize(float64(spec.ResourceLimits.MemoryBytes)))
		}
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", ShortID(resp.ID)).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", ShortID(containerID), err)
	}

	m.log.WithField("id", ShortID(containerID)).Debug("Started container")

	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", ShortID(containerID), err)
	}

	m.log.WithField("id", ShortID(containerID)).Debug("Removed container")

	return nil
}

// WaitContainer waits for the container to stop.
func (m *manager) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := m.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return 0, fmt.Errorf("waiting for container %s: %w", ShortID(containerID), err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("waiting for container %s: %s",
				ShortID(containerID), status.Error.Message)
		}

		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ContainerLogs copies container output to the provided writers.
func (m *manager) ContainerLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	reader, err := m.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Errorf("getting container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	if stdout == nil {
		stdout = io.Discard
	}

	if stderr == nil {
		stderr = io.Discard
	}

	_, err = stdcopy.StdCopy(stdout, stderr, reader)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("copying logs: %w", err)
	}

	return nil
}

// ImageExists reports whether the image is present locally.
func (m *manager) ImageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := m.client.ImageInspect(ctx, imageName)
	if err == nil {
		return true, nil
	}

	if errdefs.IsNotFound(err) {
		return false, nil
	}

	return false, fmt.Errorf("inspecting image %s: %w", imageName, err)
}

// PullImage pulls a Docker image according to policy.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == PullNever {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == PullIfNotPresent {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// CreateVolume creates a Docker volume with the given name and labels.
// Creating an existing volume is a no-op.
func (m *manager) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := m.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}

	m.log.WithField("volume", name).Debug("Created volume")

	return nil
}

// RemoveVolume removes a Docker volume.
func (m *manager) RemoveVolume(ctx context.Context, name string) error {
	if err := m.client.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}

	m.log.WithField("volume", name).Info("Removed volume")

	return nil
}

func managedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue))
}

// ListContainers returns all containers managed by the benchmarker.
func (m *manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: managedFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}

// ListVolumes returns all volumes managed by the benchmarker.
func (m *manager) ListVolumes(ctx context.Context) ([]VolumeInfo, error) {
	volumes, err := m.client.VolumeList(ctx, volume.ListOptions{
		Filters: managedFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}

	result := make([]VolumeInfo, 0, len(volumes.Volumes))
	for _, v := range volumes.Volumes {
		result = append(result, VolumeInfo{
			Name:   v.Name,
			Labels: v.Labels,
		})
	}

	return result, nil
}
