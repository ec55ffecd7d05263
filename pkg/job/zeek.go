package job

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/container"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/result"
)

// Locations inside the zeek runner image.
const (
	ZeekBinary = "/zeek/install/bin/zeek"
	ZeekSeed   = "/benchmarker/random.seed"
)

type zeekKind struct {
	deps Deps
	cfg  *config.JobKindConfig
	log  logrus.FieldLogger
}

// Ensure interface compliance.
var _ Kind = (*zeekKind)(nil)

// NewZeekKind returns the zeek job kind: timing benchmarks of a zeek build.
func NewZeekKind(deps Deps, cfg *config.JobKindConfig) Kind {
	return &zeekKind{
		deps: deps,
		cfg:  cfg,
		log:  deps.Log.WithFields(logrus.Fields{"component": "job", "kind": request.KindZeek}),
	}
}

func (k *zeekKind) Name() string          { return request.KindZeek }
func (k *zeekKind) InstallVolume() string { return k.cfg.InstallVolume }
func (k *zeekKind) TestingImage() string  { return k.cfg.Image }

func (k *zeekKind) ProcessSubtests(ctx context.Context, job *Job) error {
	log := k.log.WithField("job_id", job.JobID)

	return runSubtests(ctx, log, job, k.cfg.Tests, k.runOnce, k.deps.Store.StoreZeekError)
}

// Env returns the environment of a zeek test container.
func (k *zeekKind) Env(t config.TestSpec) map[string]string {
	env := baseEnv(k.cfg, 6)

	env["BENCH_TEST_ID"] = t.ID
	env["ZEEKCPUS"] = k.deps.Container.CPUSetString()
	env["ZEEKBIN"] = ZeekBinary
	env["ZEEKSEED"] = ZeekSeed

	if t.BenchCommand != "" && t.BenchArgs != "" {
		env["BENCH_COMMAND"] = t.BenchCommand
		env["BENCH_ARGS"] = t.BenchArgs
	}

	if t.PcapFile != "" {
		env["DATA_FILE_NAME"] = t.PcapFile
	}

	return env
}

func (k *zeekKind) runOnce(ctx context.Context, job *Job, t config.TestSpec, run int) (*container.Output, error) {
	opts, err := k.deps.runOptions(k.cfg, job, k.Env(t))
	if err != nil {
		return nil, err
	}

	out, err := k.deps.Runner.Run(ctx, opts)
	if err != nil {
		return out, err
	}

	timing, err := result.ParseTiming(out.Stdout)
	if err != nil {
		return out, err
	}

	if err := k.deps.Store.StoreZeekResult(ctx, testRef(job, t.ID, run), timing); err != nil {
		return out, err
	}

	k.deps.Exporter.ExportZeek(labels(job, t.ID, run), timing, now())

	k.log.WithFields(logrus.Fields{
		"job_id":       job.JobID,
		"test_id":      t.ID,
		"run":          run,
		"elapsed_time": timing.ElapsedTime,
		"max_rss":      timing.MaxRSS,
	}).Info("Completed test run")

	return out, nil
}
