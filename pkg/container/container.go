// Package container unpacks builds into install volumes and runs benchmark
// containers on top of them.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/docker"
	"github.com/zeek/zeek-benchmarker/pkg/seccomp"
)

// Paths used inside the containers.
const (
	unpackTargetDir = "/target"
	unpackSourceDir = "/source"

	DefaultTmpfsPath    = "/mnt/data/tmpfs"
	DefaultRunPath      = "/run"
	DefaultTestDataPath = "/test_data"
)

// Defaults applied when options leave a field empty.
const (
	DefaultUnpackImage     = "ubuntu:22.04"
	DefaultStripComponents = 2
	DefaultTarTimeout      = 30 * time.Second

	// DefaultExitCode is reported when the engine does not return one.
	DefaultExitCode = 99
)

// DefaultCapAdd is granted to benchmark containers when RunOptions.CapAdd is
// empty.
var DefaultCapAdd = []string{"SYS_NICE"}

// removeTimeout bounds container removal after the caller's context is gone.
const removeTimeout = 30 * time.Second

var (
	// ErrInvalidBuildPath is returned for build paths that are not of the
	// form <spool>/<job id>/<file>.
	ErrInvalidBuildPath = errors.New("invalid build path")

	// ErrNoVolume is returned when no install volume was given.
	ErrNoVolume = errors.New("no volume")

	// ErrImageNotFound is returned when a benchmark image is not present
	// locally. Benchmark images are never pulled implicitly.
	ErrImageNotFound = errors.New("image not found")
)

// CommandFailedError is returned when a container exits non-zero.
type CommandFailedError struct {
	Command  []string
	ExitCode int64
	Stdout   []byte
	Stderr   []byte
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d", strings.Join(e.Command, " "), e.ExitCode)
}

// Output is the captured result of a container run.
type Output struct {
	ExitCode int64
	Stdout   []byte
	Stderr   []byte
}

// UnpackOptions describes one build extraction.
type UnpackOptions struct {
	// BuildPath is the archive on the host, <spool>/<job id>/<file>.
	BuildPath string
	// Volume receives the extracted build. It is emptied first.
	Volume          string
	Image           string
	StripComponents int
	Timeout         time.Duration
	Labels          map[string]string
}

// RunOptions describes one benchmark container.
type RunOptions struct {
	Name    string
	Image   string
	Command []string
	// Env is copied, the caller's map is never modified.
	Env            map[string]string
	SeccompProfile *seccomp.Profile

	InstallVolume  string
	InstallTarget  string
	TestDataVolume string

	CapAdd []string
	// Tmpfs lists tmpfs mount points, defaults to DefaultTmpfsPath and
	// DefaultRunPath.
	Tmpfs []string

	// Network is disabled unless EnableNetwork is set.
	EnableNetwork bool
	Network       string

	CPUSet      string
	MemoryBytes int64
	Labels      map[string]string
}

// Runner executes containers through a docker.ContainerManager.
type Runner struct {
	log         logrus.FieldLogger
	engine      docker.ContainerManager
	spoolVolume string
}

// NewRunner creates a Runner. When spoolVolume is set the spool directory is
// assumed to be backed by that named volume and builds are mounted from it
// instead of bind-mounted from the host path.
func NewRunner(log logrus.FieldLogger, engine docker.ContainerManager, spoolVolume string) *Runner {
	return &Runner{
		log:         log.WithField("component", "container"),
		engine:      engine,
		spoolVolume: spoolVolume,
	}
}

// ShellQuote quotes s for use as a single word in a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// pathParts splits path the way the spool layout is checked: the root of
// an absolute path counts as a component.
func pathParts(path string) []string {
	clean := filepath.Clean(path)

	parts := strings.Split(strings.Trim(clean, string(filepath.Separator)), string(filepath.Separator))
	if filepath.IsAbs(clean) {
		parts = append([]string{string(filepath.Separator)}, parts...)
	}

	return parts
}

// UnpackCommand returns the shell command extracting buildFile (relative to
// the source mount) into the target directory.
func UnpackCommand(buildFile string, stripComponents int, timeout time.Duration) string {
	target := ShellQuote(unpackTargetDir)

	return strings.Join([]string{
		fmt.Sprintf("rm -rf %s/{*,.*};", target),
		fmt.Sprintf("timeout --signal=SIGKILL %d", int(timeout.Seconds())),
		fmt.Sprintf("tar -xzf %s", ShellQuote(buildFile)),
		fmt.Sprintf("--strip-components %d", stripComponents),
		fmt.Sprintf("-C %s", target),
	}, " ")
}

// Unpack extracts opts.BuildPath into opts.Volume.
func (r *Runner) Unpack(ctx context.Context, opts UnpackOptions) error {
	if _, err := os.Stat(opts.BuildPath); err != nil {
		return fmt.Errorf("unpacking %s: %w", opts.BuildPath, err)
	}

	parts := pathParts(opts.BuildPath)
	if len(parts) < 3 {
		return fmt.Errorf("%w: %s", ErrInvalidBuildPath, opts.BuildPath)
	}

	if opts.Volume == "" {
		return ErrNoVolume
	}

	if opts.Image == "" {
		opts.Image = DefaultUnpackImage
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTarTimeout
	}

	// <job id>/<file>, relative to the source mount.
	buildFile := filepath.Join(parts[len(parts)-2:]...)
	command := []string{"bash", "-x", "-c", UnpackCommand(buildFile, opts.StripComponents, opts.Timeout)}

	sourceMount := docker.Mount{
		Type:     docker.MountTypeBind,
		Source:   filepath.Dir(filepath.Dir(filepath.Clean(opts.BuildPath))),
		Target:   unpackSourceDir,
		ReadOnly: true,
	}

	if r.spoolVolume != "" {
		// Host paths mean nothing to the engine when the spool is itself
		// a volume.
		sourceMount = docker.Mount{
			Type:     docker.MountTypeVolume,
			Source:   r.spoolVolume,
			Target:   unpackSourceDir,
			ReadOnly: true,
		}
	}

	labels := docker.ManagedLabels(opts.Labels)

	if err := r.engine.CreateVolume(ctx, opts.Volume, labels); err != nil {
		return fmt.Errorf("ensuring install volume: %w", err)
	}

	if err := r.engine.PullImage(ctx, opts.Image, docker.PullIfNotPresent); err != nil {
		return fmt.Errorf("ensuring unpack image: %w", err)
	}

	spec := &docker.ContainerSpec{
		Image:      opts.Image,
		Command:    command,
		WorkingDir: unpackSourceDir,
		Mounts: []docker.Mount{
			{Type: docker.MountTypeVolume, Source: opts.Volume, Target: unpackTargetDir},
			sourceMount,
		},
		Labels:          labels,
		SecurityOpt:     []string{"no-new-privileges"},
		NetworkDisabled: true,
	}

	log := r.log.WithFields(logrus.Fields{
		"build":  opts.BuildPath,
		"volume": opts.Volume,
	})
	log.WithField("command", command[len(command)-1]).Debug("Unpacking build")

	out, err := r.runToCompletion(ctx, spec)
	if err != nil {
		return fmt.Errorf("unpacking build: %w", err)
	}

	if out.ExitCode != 0 {
		return &CommandFailedError{
			Command:  command,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		}
	}

	log.Info("Unpacked build")

	return nil
}

// Run starts one benchmark container and waits for it. A non-zero exit is
// returned as *CommandFailedError together with the captured output.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Output, error) {
	env := make(map[string]string, len(opts.Env)+2)
	for k, v := range opts.Env {
		env[k] = v
	}

	exists, err := r.engine.ImageExists(ctx, opts.Image)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, opts.Image)
	}

	capAdd := opts.CapAdd
	if len(capAdd) == 0 {
		capAdd = DefaultCapAdd
	}

	tmpfs := opts.Tmpfs
	if len(tmpfs) == 0 {
		tmpfs = []string{DefaultTmpfsPath, DefaultRunPath}
		env["TMPFS_PATH"] = DefaultTmpfsPath
		env["RUN_PATH"] = DefaultRunPath
	}

	mounts := make([]docker.Mount, 0, len(tmpfs)+2)
	mounts = append(mounts, docker.Mount{
		Type:   docker.MountTypeVolume,
		Source: opts.InstallVolume,
		Target: opts.InstallTarget,
	})

	if opts.TestDataVolume != "" {
		mounts = append(mounts, docker.Mount{
			Type:     docker.MountTypeVolume,
			Source:   opts.TestDataVolume,
			Target:   DefaultTestDataPath,
			ReadOnly: true,
		})
	}

	for _, path := range tmpfs {
		mounts = append(mounts, docker.Mount{Type: docker.MountTypeTmpfs, Target: path})
	}

	spec := &docker.ContainerSpec{
		Name:            opts.Name,
		Image:           opts.Image,
		Command:         opts.Command,
		Env:             env,
		Mounts:          mounts,
		Labels:          docker.ManagedLabels(opts.Labels),
		CapAdd:          capAdd,
		NetworkDisabled: !opts.EnableNetwork,
		NetworkName:     opts.Network,
	}

	if opts.SeccompProfile != nil {
		spec.SecurityOpt = append(spec.SecurityOpt, opts.SeccompProfile.SecurityOpt())
	}

	if opts.CPUSet != "" || opts.MemoryBytes > 0 {
		spec.ResourceLimits = &docker.ResourceLimits{
			CpusetCpus:  opts.CPUSet,
			MemoryBytes: opts.MemoryBytes,
		}
	}

	out, err := r.runToCompletion(ctx, spec)
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"image":     opts.Image,
		"exit_code": out.ExitCode,
		"stdout":    len(out.Stdout),
		"stderr":    len(out.Stderr),
	}).Debug("Container finished")

	if out.ExitCode != 0 {
		return out, &CommandFailedError{
			Command:  opts.Command,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		}
	}

	return out, nil
}

// runToCompletion creates, starts and waits for a container, collects its
// output and removes it on every path.
func (r *Runner) runToCompletion(ctx context.Context, spec *docker.ContainerSpec) (*Output, error) {
	containerID, err := r.engine.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}

	log := r.log.WithField("container", docker.ShortID(containerID))

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()

		if rmErr := r.engine.RemoveContainer(rmCtx, containerID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove container")
		}
	}()

	if err := r.engine.StartContainer(ctx, containerID); err != nil {
		return nil, err
	}

	exitCode, err := r.engine.WaitContainer(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.WithError(err).Warn("No exit status reported")

		exitCode = DefaultExitCode
	}

	var stdout, stderr bytes.Buffer
	if err := r.engine.ContainerLogs(ctx, containerID, &stdout, &stderr); err != nil {
		return nil, fmt.Errorf("collecting output: %w", err)
	}

	return &Output{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}
