package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/container"
	"github.com/zeek/zeek-benchmarker/pkg/docker"
	"github.com/zeek/zeek-benchmarker/pkg/metrics"
	"github.com/zeek/zeek-benchmarker/pkg/result"
	"github.com/zeek/zeek-benchmarker/pkg/seccomp"
	"github.com/zeek/zeek-benchmarker/pkg/store"
)

// outputTail bounds how much container output is kept in an error row.
const outputTail = 4096

// Deps are the dependencies shared by all job kinds.
type Deps struct {
	Log       logrus.FieldLogger
	Runner    ContainerRunner
	Store     store.Store
	Exporter  metrics.Exporter
	Container *config.ContainerConfig
	Seccomp   *seccomp.Profile
}

// runFunc executes one run of a sub-test. It returns the output of the
// container (if any) and the error to record for the run.
type runFunc func(ctx context.Context, job *Job, t config.TestSpec, run int) (*container.Output, error)

// recordFunc stores a failed run.
type recordFunc func(ctx context.Context, ref store.TestRef, errText string) error

// runSubtests executes every non-skipped test runs times, strictly in
// order. Failed runs are recorded and do not stop the loop. Only context
// cancellation and storage failures end it early.
func runSubtests(
	ctx context.Context,
	log logrus.FieldLogger,
	job *Job,
	tests []config.TestSpec,
	run runFunc,
	recordError recordFunc,
) error {
	for _, t := range tests {
		tlog := log.WithField("test_id", t.ID)

		if t.Skip {
			tlog.Warn("Skipping test")

			continue
		}

		for i := 1; i <= t.Runs; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			rlog := tlog.WithField("run", i)
			rlog.Debug("Running test")

			out, err := run(ctx, job, t, i)
			if err == nil {
				continue
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			rlog.WithError(err).Error("Test run failed")

			ref := testRef(job, t.ID, i)
			if storeErr := recordError(ctx, ref, errorText(err, out)); storeErr != nil {
				return storeErr
			}
		}
	}

	return nil
}

func testRef(job *Job, testID string, run int) store.TestRef {
	return store.TestRef{
		JobID:  job.JobID,
		TestID: testID,
		Run:    run,
		SHA:    job.Commit,
		Branch: job.OriginalBranch,
	}
}

func labels(job *Job, testID string, run int) metrics.Labels {
	l := metrics.Labels{
		JobID:  job.JobID,
		TestID: testID,
		Run:    run,
		Branch: job.OriginalBranch,
		SHA:    job.Commit,
	}

	if job.MachineID != nil {
		l.MachineID = *job.MachineID
	}

	return l
}

// errorText renders a run failure for an error row, including the tail of
// the captured output.
func errorText(err error, out *container.Output) string {
	var b strings.Builder

	b.WriteString(err.Error())

	var cmdErr *container.CommandFailedError
	if out == nil && errors.As(err, &cmdErr) {
		out = &container.Output{ExitCode: cmdErr.ExitCode, Stdout: cmdErr.Stdout, Stderr: cmdErr.Stderr}
	}

	if out != nil {
		fmt.Fprintf(&b, "\nstdout: %s\nstderr: %s",
			result.Tail(out.Stdout, outputTail),
			result.Tail(out.Stderr, outputTail),
		)
	}

	return result.CleanText(b.String())
}

// runOptions builds the container options shared by the kinds.
func (d *Deps) runOptions(cfg *config.JobKindConfig, job *Job, env map[string]string) (container.RunOptions, error) {
	memory, err := d.Container.MemoryBytes()
	if err != nil {
		return container.RunOptions{}, fmt.Errorf("parsing memory limit: %w", err)
	}

	return container.RunOptions{
		Image:          cfg.Image,
		Command:        []string{cfg.Command},
		Env:            env,
		SeccompProfile: d.Seccomp,
		InstallVolume:  job.InstallVolume,
		InstallTarget:  cfg.InstallTarget,
		TestDataVolume: d.Container.TestDataVolume,
		CapAdd:         d.Container.CapAdd,
		Network:        d.Container.Network,
		CPUSet:         d.Container.CPUSetString(),
		MemoryBytes:    memory,
		Labels:         map[string]string{docker.LabelJobID: job.JobID},
	}, nil
}

// baseEnv copies the configured extra environment of a kind.
func baseEnv(cfg *config.JobKindConfig, size int) map[string]string {
	env := make(map[string]string, len(cfg.Env)+size)
	for k, v := range cfg.Env {
		env[k] = v
	}

	return env
}

func now() time.Time {
	return time.Now().UTC()
}
