// Package job processes dequeued benchmark jobs: it fetches and unpacks the
// build, then runs the configured sub-tests of the job's kind.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/container"
	"github.com/zeek/zeek-benchmarker/pkg/docker"
	"github.com/zeek/zeek-benchmarker/pkg/fetch"
	"github.com/zeek/zeek-benchmarker/pkg/fsutil"
	"github.com/zeek/zeek-benchmarker/pkg/request"
)

var (
	// ErrUnknownKind is returned for descriptors of a kind without a
	// registered Kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrNoJobID is returned for descriptors without a job id.
	ErrNoJobID = errors.New("descriptor has no job id")
)

// ContainerRunner is the container functionality needed to process a job.
// *container.Runner satisfies it.
type ContainerRunner interface {
	Unpack(ctx context.Context, opts container.UnpackOptions) error
	Run(ctx context.Context, opts container.RunOptions) (*container.Output, error)
}

// Ensure interface compliance.
var _ ContainerRunner = (*container.Runner)(nil)

// Job is a descriptor being processed.
type Job struct {
	request.Descriptor

	// Dir is the job directory below the work directory.
	Dir string
	// BuildPath is the build archive inside Dir.
	BuildPath string
	// InstallVolume is the volume the build was unpacked into.
	InstallVolume string
}

// Kind is one of the job kinds (zeek, broker).
type Kind interface {
	Name() string
	InstallVolume() string
	TestingImage() string
	ProcessSubtests(ctx context.Context, job *Job) error
}

// UnpackConfig configures build extraction.
type UnpackConfig struct {
	Image           string
	StripComponents int
	Timeout         time.Duration
}

// Processor runs jobs end to end.
type Processor struct {
	log     logrus.FieldLogger
	workDir string
	owner   *fsutil.OwnerConfig
	fetcher fetch.Fetcher
	runner  ContainerRunner
	unpack  UnpackConfig
	kinds   map[string]Kind
	slot    int
}

// NewProcessor creates a Processor for the given kinds.
func NewProcessor(
	log logrus.FieldLogger,
	workDir string,
	owner *fsutil.OwnerConfig,
	fetcher fetch.Fetcher,
	runner ContainerRunner,
	unpack UnpackConfig,
	kinds ...Kind,
) *Processor {
	byName := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		byName[k.Name()] = k
	}

	return &Processor{
		log:     log.WithField("component", "job"),
		workDir: workDir,
		owner:   owner,
		fetcher: fetcher,
		runner:  runner,
		unpack:  unpack,
		kinds:   byName,
	}
}

// ForSlot returns a copy of p for a worker slot. Each slot unpacks into its
// own install volumes so that concurrent jobs do not overwrite each other.
func (p *Processor) ForSlot(slot int) *Processor {
	c := *p
	c.slot = slot
	c.log = p.log.WithField("slot", slot)

	return &c
}

// VolumeName returns the install volume used by a worker slot. Slot 0 uses
// the base name.
func VolumeName(base string, slot int) string {
	if slot == 0 {
		return base
	}

	return fmt.Sprintf("%s_%d", base, slot)
}

// Process runs one job. The job directory is removed on success and kept
// for inspection on failure.
func (p *Processor) Process(ctx context.Context, d request.Descriptor) error {
	if d.JobID == "" {
		return ErrNoJobID
	}

	kind, ok := p.kinds[d.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind)
	}

	log := p.log.WithFields(logrus.Fields{
		"job_id": d.JobID,
		"kind":   d.Kind,
		"branch": d.Branch,
	})

	job := &Job{
		Descriptor:    d,
		Dir:           filepath.Join(p.workDir, d.JobID),
		InstallVolume: VolumeName(kind.InstallVolume(), p.slot),
	}

	log.WithFields(logrus.Fields{
		"build_url": d.BuildURL,
		"dir":       job.Dir,
	}).Info("Working on job")

	start := time.Now()

	if err := p.process(ctx, log, kind, job); err != nil {
		log.WithError(err).Error("Failed job")

		return err
	}

	if err := os.RemoveAll(job.Dir); err != nil {
		log.WithError(err).Warn("Failed to remove job directory")
	}

	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Completed job")

	return nil
}

func (p *Processor) process(ctx context.Context, log logrus.FieldLogger, kind Kind, job *Job) error {
	existed, err := fsutil.MkdirJob(job.Dir, p.owner)
	if err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	if existed {
		log.WithField("dir", job.Dir).Warn("Job directory existed")
	}

	job.BuildPath = filepath.Join(job.Dir, job.BuildFilename())

	if job.Remote {
		if err := p.fetcher.Fetch(ctx, job.BuildURL, job.BuildPath, job.BuildHash); err != nil {
			return fmt.Errorf("fetching build: %w", err)
		}
	} else if err := copyLocalBuild(job.LocalPath(), job.BuildPath, job.BuildHash); err != nil {
		return fmt.Errorf("copying local build: %w", err)
	}

	fsutil.Chown(job.BuildPath, p.owner)

	if err := p.runner.Unpack(ctx, container.UnpackOptions{
		BuildPath:       job.BuildPath,
		Volume:          job.InstallVolume,
		Image:           p.unpack.Image,
		StripComponents: p.unpack.StripComponents,
		Timeout:         p.unpack.Timeout,
		Labels:          map[string]string{docker.LabelJobID: job.JobID},
	}); err != nil {
		return err
	}

	return kind.ProcessSubtests(ctx, job)
}

// copyLocalBuild copies a local build into the job directory so it can be
// unpacked like a fetched one. The digest is checked when one was given.
func copyLocalBuild(src, dest, expectedSHA256 string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	if expectedSHA256 == "" {
		return nil
	}

	got, err := fetch.HashFile(dest)
	if err != nil {
		return err
	}

	if got != expectedSHA256 {
		return &fetch.ChecksumError{URL: src, Expected: expectedSHA256, Got: got}
	}

	return nil
}
