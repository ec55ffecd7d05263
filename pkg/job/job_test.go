package job

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/container"
	"github.com/zeek/zeek-benchmarker/pkg/docker"
	"github.com/zeek/zeek-benchmarker/pkg/fetch"
	"github.com/zeek/zeek-benchmarker/pkg/metrics"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/result"
	"github.com/zeek/zeek-benchmarker/pkg/store"
)

const timingOutput = "starting\nBENCHMARK_TIMING=1.12;42;1.10;0.02\ndone\n"

const brokerOutput = `zeek-recording-logger (sending): 1.0s
zeek-recording-logger (receiving): 1.1s
zeek-recording-manager (sending): 2.0s
zeek-recording-manager (receiving): 2.1s
zeek-recording-proxy (sending): 3.0s
zeek-recording-proxy (receiving): 3.1s
zeek-recording-worker (sending): 4.0s
zeek-recording-worker (receiving): 4.1s
system: 37.5%
`

type fakeRunner struct {
	mu        sync.Mutex
	unpacks   []container.UnpackOptions
	runs      []container.RunOptions
	unpackErr error
	run       func(opts container.RunOptions) (*container.Output, error)
}

func (r *fakeRunner) Unpack(_ context.Context, opts container.UnpackOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unpacks = append(r.unpacks, opts)

	return r.unpackErr
}

func (r *fakeRunner) Run(_ context.Context, opts container.RunOptions) (*container.Output, error) {
	r.mu.Lock()
	r.runs = append(r.runs, opts)
	r.mu.Unlock()

	if r.run == nil {
		return &container.Output{Stdout: []byte(timingOutput)}, nil
	}

	return r.run(opts)
}

type fakeFetcher struct {
	content []byte
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(_ context.Context, _, dest, _ string) error {
	f.calls++

	if f.err != nil {
		return f.err
	}

	return os.WriteFile(dest, f.content, 0o644)
}

type fakeExporter struct {
	zeek   []metrics.Labels
	broker []metrics.Labels
}

func (e *fakeExporter) ExportZeek(l metrics.Labels, _ *result.Timing, _ time.Time) {
	e.zeek = append(e.zeek, l)
}

func (e *fakeExporter) ExportBroker(l metrics.Labels, _ *result.BrokerLatency, _ time.Time) {
	e.broker = append(e.broker, l)
}

func (e *fakeExporter) Close() {}

type testEnv struct {
	workDir   string
	runner    *fakeRunner
	fetcher   *fakeFetcher
	store     store.Store
	exporter  *fakeExporter
	zeekCfg   *config.JobKindConfig
	brokerCfg *config.JobKindConfig
	container *config.ContainerConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return &testEnv{
		workDir:  t.TempDir(),
		runner:   &fakeRunner{},
		fetcher:  &fakeFetcher{content: []byte("build")},
		store:    s,
		exporter: &fakeExporter{},
		zeekCfg: &config.JobKindConfig{
			Image:         config.DefaultZeekImage,
			Command:       config.DefaultZeekCommand,
			InstallVolume: config.DefaultZeekInstallVolume,
			InstallTarget: config.DefaultInstallTarget,
			Env:           map[string]string{"EXTRA": "1"},
			Tests: []config.TestSpec{
				{ID: "a", Runs: 2, PcapFile: "500k.pcap"},
				{ID: "b", Runs: 2, BenchCommand: "zeek", BenchArgs: "-r x.pcap"},
				{ID: "c", Runs: 2, BenchCommand: "only-command"},
				{ID: "skipped", Runs: 5, Skip: true},
			},
		},
		brokerCfg: &config.JobKindConfig{
			Image:         config.DefaultBrokerImage,
			Command:       config.DefaultBrokerCommand,
			InstallVolume: config.DefaultBrokerInstallVolume,
			InstallTarget: config.DefaultInstallTarget,
		},
		container: &config.ContainerConfig{
			CPUSet:         []int{2, 3},
			MemoryLimit:    "4g",
			TestDataVolume: "test_data",
		},
	}
}

func (e *testEnv) processor() *Processor {
	log := logrus.New()
	log.SetOutput(io.Discard)

	deps := Deps{
		Log:       log,
		Runner:    e.runner,
		Store:     e.store,
		Exporter:  e.exporter,
		Container: e.container,
	}

	return NewProcessor(log, e.workDir, nil, e.fetcher, e.runner, UnpackConfig{
		Image:           config.DefaultUnpackImage,
		StripComponents: 2,
		Timeout:         30 * time.Second,
	}, NewZeekKind(deps, e.zeekCfg), NewBrokerKind(deps, e.brokerCfg))
}

func remoteDescriptor(kind string) request.Descriptor {
	machineID := uint(5)

	return request.Descriptor{
		JobID:          "job-1",
		Kind:           kind,
		BuildURL:       "https://api.cirrus-ci.com/v1/artifact/build/1/build.tgz",
		BuildHash:      "abc",
		OriginalBranch: "topic/foo",
		Branch:         "topicfoo-1-2",
		Commit:         "deadbeef",
		Remote:         true,
		MachineID:      &machineID,
	}
}

func TestProcess_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.runner.run = func(opts container.RunOptions) (*container.Output, error) {
		if opts.Env["BENCH_TEST_ID"] == "b" {
			return &container.Output{Stdout: []byte("no timing here"), Stderr: []byte("warning")}, nil
		}

		return &container.Output{Stdout: []byte(timingOutput)}, nil
	}

	ctx := context.Background()

	require.NoError(t, env.processor().Process(ctx, remoteDescriptor(request.KindZeek)))

	// Unpacked once for the whole job.
	require.Len(t, env.runner.unpacks, 1)
	unpack := env.runner.unpacks[0]
	assert.Equal(t, filepath.Join(env.workDir, "job-1", "build.tgz"), unpack.BuildPath)
	assert.Equal(t, config.DefaultZeekInstallVolume, unpack.Volume)
	assert.Equal(t, 2, unpack.StripComponents)
	assert.Equal(t, "job-1", unpack.Labels[docker.LabelJobID])

	// Skipped tests never run.
	assert.Len(t, env.runner.runs, 6)

	rows, err := env.store.ListZeekTests(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 6)

	for _, row := range rows {
		assert.Equal(t, "deadbeef", row.SHA)
		assert.Equal(t, "topic/foo", row.Branch)

		if row.TestID == "b" {
			assert.False(t, row.Success)
			assert.Contains(t, row.Error, result.ErrResultNotFound.Error())
			assert.Contains(t, row.Error, "stdout: no timing here")
			assert.Contains(t, row.Error, "stderr: warning")

			continue
		}

		assert.True(t, row.Success, row.TestID)
		require.NotNil(t, row.MaxRSS)
		assert.Equal(t, int64(42*1024), *row.MaxRSS)
	}

	assert.Equal(t, []int{1, 2, 1, 2, 1, 2}, runIndexes(rows))

	require.Len(t, env.exporter.zeek, 4)
	assert.Equal(t, uint(5), env.exporter.zeek[0].MachineID)

	_, err = os.Stat(filepath.Join(env.workDir, "job-1"))
	assert.True(t, os.IsNotExist(err), "job directory is removed after a successful job")
}

func runIndexes(rows []store.ZeekTest) []int {
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.TestRun)
	}

	return out
}

func TestProcess_ZeekRunOptions(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.processor().ForSlot(2).Process(context.Background(), remoteDescriptor(request.KindZeek)))

	require.Len(t, env.runner.unpacks, 1)
	assert.Equal(t, config.DefaultZeekInstallVolume+"_2", env.runner.unpacks[0].Volume)

	require.Len(t, env.runner.runs, 6)

	first := env.runner.runs[0]
	assert.Equal(t, config.DefaultZeekImage, first.Image)
	assert.Equal(t, []string{config.DefaultZeekCommand}, first.Command)
	assert.Equal(t, config.DefaultZeekInstallVolume+"_2", first.InstallVolume)
	assert.Equal(t, config.DefaultInstallTarget, first.InstallTarget)
	assert.Equal(t, "test_data", first.TestDataVolume)
	assert.Equal(t, "2,3", first.CPUSet)
	assert.Equal(t, int64(4<<30), first.MemoryBytes)
	assert.Equal(t, "job-1", first.Labels[docker.LabelJobID])

	assert.Equal(t, map[string]string{
		"EXTRA":          "1",
		"BENCH_TEST_ID":  "a",
		"ZEEKCPUS":       "2,3",
		"ZEEKBIN":        ZeekBinary,
		"ZEEKSEED":       ZeekSeed,
		"DATA_FILE_NAME": "500k.pcap",
	}, first.Env)

	withBench := env.runner.runs[2].Env
	assert.Equal(t, "zeek", withBench["BENCH_COMMAND"])
	assert.Equal(t, "-r x.pcap", withBench["BENCH_ARGS"])
	assert.NotContains(t, withBench, "DATA_FILE_NAME")

	commandOnly := env.runner.runs[4].Env
	assert.NotContains(t, commandOnly, "BENCH_COMMAND", "command without args is ignored")
	assert.NotContains(t, commandOnly, "BENCH_ARGS")

	assert.Equal(t, "1", env.zeekCfg.Env["EXTRA"])
	assert.NotContains(t, env.zeekCfg.Env, "BENCH_TEST_ID", "configured env is not modified")
}

func TestProcess_CommandFailure(t *testing.T) {
	env := newTestEnv(t)
	env.zeekCfg.Tests = []config.TestSpec{{ID: "a", Runs: 1}}
	env.runner.run = func(opts container.RunOptions) (*container.Output, error) {
		out := &container.Output{ExitCode: 3, Stdout: []byte("partial"), Stderr: []byte("segfault")}

		return out, &container.CommandFailedError{
			Command:  opts.Command,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		}
	}

	ctx := context.Background()
	require.NoError(t, env.processor().Process(ctx, remoteDescriptor(request.KindZeek)))

	rows, err := env.store.ListZeekTests(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Contains(t, rows[0].Error, "exit code 3")
	assert.Contains(t, rows[0].Error, "stderr: segfault")
}

func TestProcess_Broker(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.runner.run = func(_ container.RunOptions) (*container.Output, error) {
		calls++
		if calls == 1 {
			return &container.Output{Stdout: []byte(brokerOutput)}, nil
		}

		return &container.Output{Stdout: []byte("zeek-recording-logger (sending): 1.0s\n")}, nil
	}
	env.brokerCfg.Tests = []config.TestSpec{{ID: "broker", Runs: 2}}

	ctx := context.Background()
	require.NoError(t, env.processor().Process(ctx, remoteDescriptor(request.KindBroker)))

	require.Len(t, env.runner.unpacks, 1)
	assert.Equal(t, config.DefaultBrokerInstallVolume, env.runner.unpacks[0].Volume)
	assert.Equal(t, config.DefaultBrokerImage, env.runner.runs[0].Image)

	rows, err := env.store.ListBrokerTests(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.True(t, rows[0].Success)
	require.NotNil(t, rows[0].WorkerReceiving)
	assert.InDelta(t, 4.1, *rows[0].WorkerReceiving, 1e-9)
	assert.InDelta(t, 37.5, *rows[0].System, 1e-9)

	assert.False(t, rows[1].Success)
	assert.Contains(t, rows[1].Error, "incomplete broker result")

	assert.Len(t, env.exporter.broker, 1)
}

func TestProcess_BrokerDefaultTest(t *testing.T) {
	env := newTestEnv(t)
	env.runner.run = func(_ container.RunOptions) (*container.Output, error) {
		return &container.Output{Stdout: []byte(brokerOutput)}, nil
	}

	require.NoError(t, env.processor().Process(context.Background(), remoteDescriptor(request.KindBroker)))

	require.Len(t, env.runner.runs, 1)
	assert.Equal(t, DefaultBrokerTest.ID, env.runner.runs[0].Env["BENCH_TEST_ID"])
}

func TestProcess_JobLevelFailures(t *testing.T) {
	t.Run("fetch failure keeps the directory", func(t *testing.T) {
		env := newTestEnv(t)
		env.fetcher.err = &fetch.ChecksumError{URL: "u", Expected: "abc", Got: "def"}

		err := env.processor().Process(context.Background(), remoteDescriptor(request.KindZeek))
		require.ErrorIs(t, err, fetch.ErrChecksumMismatch)

		assert.Empty(t, env.runner.unpacks, "no container work after a failed fetch")
		assert.DirExists(t, filepath.Join(env.workDir, "job-1"))
	})

	t.Run("unpack failure keeps the directory", func(t *testing.T) {
		env := newTestEnv(t)
		env.runner.unpackErr = &container.CommandFailedError{Command: []string{"bash"}, ExitCode: 2}

		err := env.processor().Process(context.Background(), remoteDescriptor(request.KindZeek))

		var cmdErr *container.CommandFailedError
		require.ErrorAs(t, err, &cmdErr)
		assert.Empty(t, env.runner.runs)
		assert.DirExists(t, filepath.Join(env.workDir, "job-1"))
	})

	t.Run("existing directory is tolerated", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, os.MkdirAll(filepath.Join(env.workDir, "job-1"), 0o755))

		require.NoError(t, env.processor().Process(context.Background(), remoteDescriptor(request.KindZeek)))
		assert.NoDirExists(t, filepath.Join(env.workDir, "job-1"))
	})

	t.Run("directory creation failure", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, os.WriteFile(filepath.Join(env.workDir, "job-1"), nil, 0o644))

		err := env.processor().Process(context.Background(), remoteDescriptor(request.KindZeek))
		require.ErrorContains(t, err, "creating job directory")
		assert.Zero(t, env.fetcher.calls)
	})

	t.Run("unknown kind", func(t *testing.T) {
		env := newTestEnv(t)

		err := env.processor().Process(context.Background(), remoteDescriptor("local"))
		require.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("missing job id", func(t *testing.T) {
		env := newTestEnv(t)
		d := remoteDescriptor(request.KindZeek)
		d.JobID = ""

		require.ErrorIs(t, env.processor().Process(context.Background(), d), ErrNoJobID)
	})
}

func TestProcess_Canceled(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.runner.run = func(_ container.RunOptions) (*container.Output, error) {
		cancel()

		return nil, context.Canceled
	}

	err := env.processor().Process(ctx, remoteDescriptor(request.KindZeek))
	require.ErrorIs(t, err, context.Canceled)

	assert.Len(t, env.runner.runs, 1)
	assert.DirExists(t, filepath.Join(env.workDir, "job-1"))

	rows, err := env.store.ListZeekTests(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Empty(t, rows, "canceled runs are not recorded")
}

func TestProcess_LocalBuild(t *testing.T) {
	content := []byte("local build")

	hash, err := func() (string, error) {
		p := filepath.Join(t.TempDir(), "h")
		if err := os.WriteFile(p, content, 0o644); err != nil {
			return "", err
		}

		return fetch.HashFile(p)
	}()
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "build.tgz")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	local := func(hash string) request.Descriptor {
		return request.Descriptor{
			JobID:          "job-local",
			Kind:           request.KindZeek,
			BuildURL:       "file://" + src,
			BuildHash:      hash,
			OriginalBranch: "master",
			Branch:         "master",
		}
	}

	t.Run("copied into the job directory", func(t *testing.T) {
		env := newTestEnv(t)
		env.zeekCfg.Tests = []config.TestSpec{{ID: "a", Runs: 1}}

		require.NoError(t, env.processor().Process(context.Background(), local(hash)))

		assert.Zero(t, env.fetcher.calls)
		require.Len(t, env.runner.unpacks, 1)
		assert.Equal(t, filepath.Join(env.workDir, "job-local", "build.tgz"), env.runner.unpacks[0].BuildPath)
		assert.FileExists(t, src, "the source build is left alone")
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		env := newTestEnv(t)

		err := env.processor().Process(context.Background(), local(strings.Repeat("0", 64)))
		require.ErrorIs(t, err, fetch.ErrChecksumMismatch)
		assert.Empty(t, env.runner.unpacks)
	})

	t.Run("missing file", func(t *testing.T) {
		env := newTestEnv(t)
		d := local("")
		d.BuildURL = "file:///does/not/exist/build.tgz"

		err := env.processor().Process(context.Background(), d)
		require.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestVolumeName(t *testing.T) {
	assert.Equal(t, "zeek_install_data", VolumeName("zeek_install_data", 0))
	assert.Equal(t, "zeek_install_data_3", VolumeName("zeek_install_data", 3))
}

func TestErrorText(t *testing.T) {
	long := strings.Repeat("x", outputTail+10)

	text := errorText(errors.New("boom"), &container.Output{Stdout: []byte(long)})
	assert.True(t, strings.HasPrefix(text, "boom\nstdout: ..."))
	assert.Less(t, len(text), len(long)+50)

	assert.Equal(t, "boom", errorText(errors.New("boom"), nil))

	text = errorText(&container.CommandFailedError{ExitCode: 1, Stderr: []byte("bad")}, nil)
	assert.Contains(t, text, "stderr: bad")

	t.Run("binary output is storable", func(t *testing.T) {
		text := errorText(errors.New("boom\x00"), &container.Output{
			Stdout: []byte("x" + strings.Repeat("é", outputTail)),
			Stderr: []byte("a\x00b\xff"),
		})

		assert.True(t, utf8.ValidString(text))
		assert.NotContains(t, text, "\x00")
		assert.Contains(t, text, "stderr: ab\uFFFD")
	})
}
