package podman

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/bindings/volumes"
	entitiesTypes "github.com/containers/podman/v5/pkg/domain/entities/types"
	"github.com/containers/podman/v5/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"

	"github.com/zeek/zeek-benchmarker/pkg/docker"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// qualifyImageName ensures the image name is fully qualified for pulling.
// Docker defaults short names like "library/ubuntu:22.04" to docker.io, Podman
// requires fully-qualified names unless unqualified-search registries are
// configured.
func qualifyImageName(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || parts[0] == "localhost") {
		return name
	}

	return "docker.io/" + name
}

// manager implements docker.ContainerManager using Podman Go bindings.
type manager struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.

	// Podman takes seccomp profiles as files only. Inline profiles are
	// written below tmpDir and removed together with their container.
	mu       sync.Mutex
	tmpDir   string
	profiles map[string]string
}

// Ensure interface compliance.
var _ docker.ContainerManager = (*manager)(nil)

// NewManager creates a new Podman container manager. An empty socket uses
// DefaultSocket.
func NewManager(log logrus.FieldLogger, socket string) (docker.ContainerManager, error) {
	if socket == "" {
		socket = DefaultSocket
	}

	return &manager{
		log:      log.WithField("component", "podman"),
		socket:   socket,
		profiles: make(map[string]string, 4),
	}, nil
}

// Start initializes the Podman connection and validates the runtime mode.
func (m *manager) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, m.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			m.socket, err,
		)
	}

	m.conn = conn

	info, err := system.Info(m.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	if info.Host.Security.Rootless {
		return fmt.Errorf(
			"podman is running in rootless mode, but the benchmarker requires rootful podman " +
				"for cpu pinning and SYS_NICE; use: sudo systemctl start podman.socket",
		)
	}

	tmpDir, err := os.MkdirTemp("", "zeek-benchmarker-seccomp-")
	if err != nil {
		return fmt.Errorf("creating seccomp profile dir: %w", err)
	}

	m.tmpDir = tmpDir

	m.log.WithFields(logrus.Fields{
		"version": info.Version.Version,
		"runtime": info.Host.OCIRuntime.Name,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop removes any leftover seccomp profile files.
func (m *manager) Stop() error {
	if m.tmpDir == "" {
		return nil
	}

	if err := os.RemoveAll(m.tmpDir); err != nil {
		return fmt.Errorf("removing seccomp profile dir: %w", err)
	}

	return nil
}

// writeProfile stores an inline seccomp profile and returns its path.
func (m *manager) writeProfile(name, profile string) (string, error) {
	f, err := os.CreateTemp(m.tmpDir, filepath.Base(name)+"-*.json")
	if err != nil {
		return "", fmt.Errorf("creating seccomp profile file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(profile); err != nil {
		_ = os.Remove(f.Name())

		return "", fmt.Errorf("writing seccomp profile file: %w", err)
	}

	return f.Name(), nil
}

// CreateContainer creates a new container from the spec using Podman's specgen.
func (m *manager) CreateContainer(
	ctx context.Context, spec *docker.ContainerSpec,
) (string, error) {
	log := m.log.WithField("container", spec.Name)

	s := specgen.NewSpecGenerator(spec.Image, false)
	s.Name = spec.Name
	s.Entrypoint = spec.Entrypoint
	s.Command = spec.Command
	s.WorkDir = spec.WorkingDir
	s.Labels = spec.Labels
	s.User = "root"
	s.CapAdd = spec.CapAdd

	var profilePath string

	// Map SecurityOpt entries to specgen fields.
	for _, opt := range spec.SecurityOpt {
		switch {
		case opt == "no-new-privileges":
			noNewPrivileges := true
			s.NoNewPrivileges = &noNewPrivileges
		case opt == "seccomp=unconfined":
			s.SeccompPolicy = "unconfined"
		case strings.HasPrefix(opt, "seccomp="):
			path, err := m.writeProfile(spec.Name, strings.TrimPrefix(opt, "seccomp="))
			if err != nil {
				return "", err
			}

			profilePath = path
			s.SeccompProfilePath = path
		}
	}

	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	// Docker-style "volume" mounts must be mapped to Podman's NamedVolume
	// type; OCI runtimes don't recognise "volume" as a mount type.
	for _, mnt := range spec.Mounts {
		switch mnt.Type {
		case docker.MountTypeVolume:
			nv := &specgen.NamedVolume{
				Name: mnt.Source,
				Dest: mnt.Target,
			}

			if mnt.ReadOnly {
				nv.Options = append(nv.Options, "ro")
			}

			s.Volumes = append(s.Volumes, nv)
		case docker.MountTypeTmpfs:
			tm := specs.Mount{
				Destination: mnt.Target,
				Source:      "tmpfs",
				Type:        "tmpfs",
			}

			if mnt.SizeBytes > 0 {
				tm.Options = append(tm.Options, fmt.Sprintf("size=%d", mnt.SizeBytes))
			}

			s.Mounts = append(s.Mounts, tm)
		default:
			bm := specs.Mount{
				Destination: mnt.Target,
				Source:      mnt.Source,
				Type:        mnt.Type,
			}

			if mnt.ReadOnly {
				bm.Options = append(bm.Options, "ro")
			}

			s.Mounts = append(s.Mounts, bm)
		}
	}

	switch {
	case spec.NetworkDisabled:
		s.NetNS = specgen.Namespace{NSMode: specgen.NoNetwork}
	case spec.NetworkName != "":
		s.Networks = map[string]nettypes.PerNetworkOptions{
			spec.NetworkName: {},
		}
	}

	if spec.ResourceLimits != nil {
		s.ResourceLimits = &specs.LinuxResources{}

		if spec.ResourceLimits.CpusetCpus != "" {
			s.ResourceLimits.CPU = &specs.LinuxCPU{
				Cpus: spec.ResourceLimits.CpusetCpus,
			}
		}

		if spec.ResourceLimits.MemoryBytes > 0 {
			mem := spec.ResourceLimits.MemoryBytes
			swap := mem
			s.ResourceLimits.Memory = &specs.LinuxMemory{
				Limit: &mem,
				Swap:  &swap,
			}
		}
	}

	resp, err := containers.CreateWithSpec(m.conn, s, nil)
	if err != nil {
		if profilePath != "" {
			_ = os.Remove(profilePath)
		}

		return "", fmt.Errorf("creating container: %w", err)
	}

	if profilePath != "" {
		m.mu.Lock()
		m.profiles[resp.ID] = profilePath
		m.mu.Unlock()
	}

	log.WithField("id", docker.ShortID(resp.ID)).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, containerID string) error {
	if err := containers.Start(m.conn, containerID, nil); err != nil {
		return fmt.Errorf("starting container %s: %w", docker.ShortID(containerID), err)
	}

	m.log.WithField("id", docker.ShortID(containerID)).Debug("Started container")

	return nil
}

// RemoveContainer removes a container.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	m.mu.Lock()
	profilePath, ok := m.profiles[containerID]
	delete(m.profiles, containerID)
	m.mu.Unlock()

	if ok {
		_ = os.Remove(profilePath)
	}

	if _, err := containers.Remove(m.conn, containerID, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", docker.ShortID(containerID), err)
	}

	m.log.WithField("id", docker.ShortID(containerID)).Debug("Removed container")

	return nil
}

// WaitContainer waits for the container to stop.
func (m *manager) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	type waitResult struct {
		code int32
		err  error
	}

	done := make(chan waitResult, 1)

	go func() {
		code, err := containers.Wait(m.conn, containerID, nil)
		done <- waitResult{code: code, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return 0, fmt.Errorf("waiting for container %s: %w", docker.ShortID(containerID), res.err)
		}

		return int64(res.code), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ContainerLogs copies the output of a stopped container to the writers.
func (m *manager) ContainerLogs(
	ctx context.Context,
	containerID string,
	stdout, stderr io.Writer,
) error {
	follow := false
	showStdout := true
	showStderr := true

	logConn, cancel := context.WithCancel(m.conn)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-logConn.Done():
		}
	}()

	stdoutCh := make(chan string, 100)
	stderrCh := make(chan string, 100)

	var wg sync.WaitGroup

	drain := func(ch <-chan string, w io.Writer) {
		defer wg.Done()

		for line := range ch {
			if w != nil {
				_, _ = io.WriteString(w, line+"\n")
			}
		}
	}

	wg.Add(2)

	go drain(stdoutCh, stdout)
	go drain(stderrCh, stderr)

	err := containers.Logs(logConn, containerID, &containers.LogOptions{
		Follow: &follow,
		Stdout: &showStdout,
		Stderr: &showStderr,
	}, stdoutCh, stderrCh)

	// Podman's Logs does not close the channels on return.
	close(stdoutCh)
	close(stderrCh)

	wg.Wait()

	if err != nil {
		return fmt.Errorf("reading logs: %w", err)
	}

	return nil
}

// ImageExists reports whether the image is present locally.
func (m *manager) ImageExists(ctx context.Context, imageName string) (bool, error) {
	exists, err := images.Exists(m.conn, imageName, nil)
	if err != nil {
		return false, fmt.Errorf("checking image %s: %w", imageName, err)
	}

	return exists, nil
}

// PullImage pulls a container image.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == docker.PullNever {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == docker.PullIfNotPresent {
		if exists, err := images.Exists(m.conn, imageName, nil); err == nil && exists {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(m.conn, qualifyImageName(imageName), nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// CreateVolume creates a Podman volume. Creating an existing volume is a
// no-op, matching Docker.
func (m *manager) CreateVolume(
	ctx context.Context,
	name string,
	labels map[string]string,
) error {
	exists, err := volumes.Exists(m.conn, name, nil)
	if err != nil {
		return fmt.Errorf("checking volume %s: %w", name, err)
	}

	if exists {
		return nil
	}

	if _, err := volumes.Create(m.conn, entitiesTypes.VolumeCreateOptions{
		Name:   name,
		Labels: labels,
	}, nil); err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}

	m.log.WithField("volume", name).Debug("Created volume")

	return nil
}

// RemoveVolume removes a Podman volume.
func (m *manager) RemoveVolume(ctx context.Context, name string) error {
	force := true

	if err := volumes.Remove(m.conn, name, &volumes.RemoveOptions{
		Force: &force,
	}); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}

	m.log.WithField("volume", name).Info("Removed volume")

	return nil
}

func managedFilter() map[string][]string {
	return map[string][]string{
		"label": {docker.LabelManagedBy + "=" + docker.ManagedByValue},
	}
}

// ListContainers returns all containers managed by the benchmarker.
func (m *manager) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	all := true

	podmanContainers, err := containers.List(m.conn, &containers.ListOptions{
		All:     &all,
		Filters: managedFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		name := ""

		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}

// ListVolumes returns all volumes managed by the benchmarker.
func (m *manager) ListVolumes(ctx context.Context) ([]docker.VolumeInfo, error) {
	podmanVolumes, err := volumes.List(m.conn, &volumes.ListOptions{
		Filters: managedFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}

	result := make([]docker.VolumeInfo, 0, len(podmanVolumes))

	for _, v := range podmanVolumes {
		result = append(result, docker.VolumeInfo{
			Name:   v.Name,
			Labels: v.Labels,
		})
	}

	return result, nil
}
