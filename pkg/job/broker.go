package job

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/container"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/result"
)

// DefaultBrokerTest is run when no broker tests are configured.
var DefaultBrokerTest = config.TestSpec{ID: "broker", Runs: 1}

type brokerKind struct {
	deps Deps
	cfg  *config.JobKindConfig
	log  logrus.FieldLogger
}

// Ensure interface compliance.
var _ Kind = (*brokerKind)(nil)

// NewBrokerKind returns the broker job kind: latency benchmarks of a
// cluster's communication layer.
func NewBrokerKind(deps Deps, cfg *config.JobKindConfig) Kind {
	return &brokerKind{
		deps: deps,
		cfg:  cfg,
		log:  deps.Log.WithFields(logrus.Fields{"component": "job", "kind": request.KindBroker}),
	}
}

func (k *brokerKind) Name() string          { return request.KindBroker }
func (k *brokerKind) InstallVolume() string { return k.cfg.InstallVolume }
func (k *brokerKind) TestingImage() string  { return k.cfg.Image }

func (k *brokerKind) tests() []config.TestSpec {
	if len(k.cfg.Tests) == 0 {
		return []config.TestSpec{DefaultBrokerTest}
	}

	return k.cfg.Tests
}

func (k *brokerKind) ProcessSubtests(ctx context.Context, job *Job) error {
	log := k.log.WithField("job_id", job.JobID)

	return runSubtests(ctx, log, job, k.tests(), k.runOnce, k.deps.Store.StoreBrokerError)
}

// Env returns the environment of a broker test container.
func (k *brokerKind) Env(t config.TestSpec) map[string]string {
	env := baseEnv(k.cfg, 3)

	env["BENCH_TEST_ID"] = t.ID

	if t.BenchCommand != "" && t.BenchArgs != "" {
		env["BENCH_COMMAND"] = t.BenchCommand
		env["BENCH_ARGS"] = t.BenchArgs
	}

	return env
}

func (k *brokerKind) runOnce(ctx context.Context, job *Job, t config.TestSpec, run int) (*container.Output, error) {
	opts, err := k.deps.runOptions(k.cfg, job, k.Env(t))
	if err != nil {
		return nil, err
	}

	out, err := k.deps.Runner.Run(ctx, opts)
	if err != nil {
		return out, err
	}

	latency, err := result.ParseBrokerLatency(out.Stdout)
	if err != nil {
		return out, err
	}

	if err := k.deps.Store.StoreBrokerResult(ctx, testRef(job, t.ID, run), latency); err != nil {
		return out, err
	}

	k.deps.Exporter.ExportBroker(labels(job, t.ID, run), latency, now())

	k.log.WithFields(logrus.Fields{
		"job_id":  job.JobID,
		"test_id": t.ID,
		"run":     run,
		"system":  latency.System,
	}).Info("Completed test run")

	return out, nil
}
