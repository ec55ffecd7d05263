package store

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/machine"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/result"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testMachine() *machine.Info {
	return &machine.Info{
		DMISysVendor:     "LENOVO",
		DMIProductUUID:   "4c4c4544-0042",
		DMIProductSerial: "",
		DMIBoardAssetTag: "",
		OS:               "Linux",
		Architecture:     "x86_64",
		CPUModel:         "Intel(R) Core(TM) i7-8565U CPU @ 1.80GHz",
		MemTotalBytes:    16 << 30,
	}
}

func TestStore_Jobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pr := int64(1234)
	machineID := uint(7)

	d := &request.Descriptor{
		JobID:          "job-1",
		Kind:           request.KindZeek,
		BuildURL:       "https://api.cirrus-ci.com/v1/artifact/build/1/build.tgz",
		BuildHash:      "abc",
		OriginalBranch: "topic/Foo",
		Branch:         "topicfoo-1-2",
		Commit:         "deadbeef",
		Remote:         true,
		SubmittedAt:    time.Unix(1_700_000_000, 0).UTC(),
		MachineID:      &machineID,
		CI:             request.CIMetadata{PR: &pr, RepoVersion: "6.1.0"},
	}

	require.NoError(t, s.CreateJob(ctx, NewJob(d)))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "zeek", got.Kind)
	assert.Equal(t, "deadbeef", got.SHA)
	assert.Equal(t, "topic/Foo", got.OriginalBranch)
	assert.Equal(t, "topicfoo-1-2", got.Branch)
	require.NotNil(t, got.CirrusPR)
	assert.Equal(t, int64(1234), *got.CirrusPR)
	assert.Nil(t, got.CirrusTaskID)
	require.NotNil(t, got.MachineID)
	assert.Equal(t, uint(7), *got.MachineID)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, s.CreateJob(ctx, NewJob(d)), "job ids are unique")

	d2 := *d
	d2.JobID = "job-2"
	d2.SubmittedAt = d.SubmittedAt.Add(time.Minute)
	require.NoError(t, s.CreateJob(ctx, NewJob(&d2)))

	jobs, err := s.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-2", jobs[0].ID)

	jobs, err = s.ListJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestStore_ZeekResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	timing, err := result.ParseTiming([]byte("X\nBENCHMARK_TIMING=1.12;42;1.10;0.02\nX"))
	require.NoError(t, err)

	ref := TestRef{JobID: "job-1", TestID: "pcap-500k", Run: 1, SHA: "deadbeef", Branch: "master"}
	require.NoError(t, s.StoreZeekResult(ctx, ref, timing))

	ref.Run = 2
	require.NoError(t, s.StoreZeekError(ctx, ref, "result not found in output"))

	rows, err := s.ListZeekTests(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	ok := rows[0]
	assert.True(t, ok.Success)
	assert.Equal(t, 1, ok.TestRun)
	require.NotNil(t, ok.ElapsedTime)
	assert.InDelta(t, 1.12, *ok.ElapsedTime, 1e-9)
	require.NotNil(t, ok.MaxRSS)
	assert.Equal(t, int64(42*1024), *ok.MaxRSS)
	assert.InDelta(t, 1.10, *ok.UserTime, 1e-9)
	assert.InDelta(t, 0.02, *ok.SystemTime, 1e-9)
	assert.Equal(t, "deadbeef", ok.SHA)

	failed := rows[1]
	assert.False(t, failed.Success)
	assert.Equal(t, 2, failed.TestRun)
	assert.Equal(t, "result not found in output", failed.Error)
	assert.Nil(t, failed.ElapsedTime)
	assert.Nil(t, failed.MaxRSS)

	rows, err = s.ListZeekTests(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_BrokerResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref := TestRef{JobID: "job-1", TestID: "broker", Run: 1, Branch: "master"}
	require.NoError(t, s.StoreBrokerResult(ctx, ref, &result.BrokerLatency{
		LoggerSending: 1.5,
		System:        37.5,
	}))

	ref.Run = 2
	require.NoError(t, s.StoreBrokerError(ctx, ref, "incomplete"))

	rows, err := s.ListBrokerTests(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.True(t, rows[0].Success)
	require.NotNil(t, rows[0].LoggerSending)
	assert.InDelta(t, 1.5, *rows[0].LoggerSending, 1e-9)
	assert.InDelta(t, 37.5, *rows[0].System, 1e-9)

	assert.False(t, rows[1].Success)
	assert.Equal(t, "incomplete", rows[1].Error)
	assert.Nil(t, rows[1].System)
}

func TestStore_GetOrCreateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateMachine(ctx, testMachine())
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	again, err := s.GetOrCreateMachine(ctx, testMachine())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "identical attributes map to the same machine")

	mutations := []struct {
		name   string
		mutate func(*machine.Info)
	}{
		{name: "vendor", mutate: func(m *machine.Info) { m.DMISysVendor = "Dell Inc." }},
		{name: "uuid", mutate: func(m *machine.Info) { m.DMIProductUUID = "other" }},
		{name: "serial", mutate: func(m *machine.Info) { m.DMIProductSerial = "SN1" }},
		{name: "asset tag", mutate: func(m *machine.Info) { m.DMIBoardAssetTag = "tag" }},
		{name: "os", mutate: func(m *machine.Info) { m.OS = "FreeBSD" }},
		{name: "architecture", mutate: func(m *machine.Info) { m.Architecture = "aarch64" }},
		{name: "cpu model", mutate: func(m *machine.Info) { m.CPUModel = "AMD EPYC" }},
		{name: "memory", mutate: func(m *machine.Info) { m.MemTotalBytes++ }},
	}

	seen := map[uint]bool{first.ID: true}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			info := testMachine()
			tt.mutate(info)

			m, err := s.GetOrCreateMachine(ctx, info)
			require.NoError(t, err)
			assert.False(t, seen[m.ID], "a differing attribute yields a new machine")

			seen[m.ID] = true
		})
	}
}

func TestStore_GetOrCreateMachine_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 8

	var (
		wg  sync.WaitGroup
		ids = make([]uint, n)
	)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			m, err := s.GetOrCreateMachine(ctx, testMachine())
			if assert.NoError(t, err) {
				ids[i] = m.ID
			}
		}()
	}

	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}
