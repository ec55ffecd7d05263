package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/machine"
	"github.com/zeek/zeek-benchmarker/pkg/queue"
	"github.com/zeek/zeek-benchmarker/pkg/request"
	"github.com/zeek/zeek-benchmarker/pkg/result"
	"github.com/zeek/zeek-benchmarker/pkg/signature"
	"github.com/zeek/zeek-benchmarker/pkg/store"
)

const (
	testKey       = "unittest-key"
	testBuildBase = "https://api.cirrus-ci.com/v1/artifact/build/"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []request.Descriptor
	err      error
}

var _ queue.Queue = (*fakeQueue)(nil)

func (q *fakeQueue) Start(context.Context) error { return nil }
func (q *fakeQueue) Stop() error                 { return nil }

func (q *fakeQueue) Enqueue(_ context.Context, d *request.Descriptor) (*queue.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return nil, q.err
	}

	q.enqueued = append(q.enqueued, *d)

	return &queue.Entry{ID: d.JobID, EnqueuedAt: d.SubmittedAt}, nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	<-ctx.Done()

	return nil, ctx.Err()
}

func (q *fakeQueue) Ack(context.Context, *queue.Delivery) error         { return nil }
func (q *fakeQueue) Fail(context.Context, *queue.Delivery, error) error { return nil }

func (q *fakeQueue) descriptors() []request.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]request.Descriptor(nil), q.enqueued...)
}

type fakeCollector struct {
	info *machine.Info
	err  error
}

func (c *fakeCollector) Collect(context.Context) (*machine.Info, error) {
	return c.info, c.err
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func testStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testConfig() *config.APIConfig {
	return &config.APIConfig{
		Listen:           "127.0.0.1:0",
		AllowedBuildURLs: []string{testBuildBase},
		HMACKey:          testKey,
		HMACWindow:       time.Minute,
	}
}

func newTestServer(t *testing.T, cfg *config.APIConfig, q queue.Queue, st store.Store) (*server, http.Handler) {
	t.Helper()

	s := newServer(testLogger(), cfg, Options{
		Queue: q,
		Store: st,
		Machine: &fakeCollector{info: &machine.Info{
			DMISysVendor: "QEMU",
			OS:           "Linux",
			Architecture: "x86_64",
			CPUModel:     "Virtual CPU",
		}},
	})
	s.resolveMachine(context.Background())

	handler := s.buildRouter()

	t.Cleanup(func() { _ = s.Stop() })

	return s, handler
}

func signedSubmission(path string, params url.Values) *http.Request {
	ts := time.Now().Unix()

	req := httptest.NewRequest(http.MethodPost, path+"?"+params.Encode(), nil)
	req.RemoteAddr = "192.0.2.10:40000"
	req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(signature.HeaderSignature,
		signature.Sign([]byte(testKey), path, ts, params.Get("build_hash")))

	return req
}

func remoteParams() url.Values {
	return url.Values{
		"branch":     {"topic/awelzel/bench"},
		"build":      {testBuildBase + "123/build.tgz"},
		"build_hash": {"0123abcd"},
		"commit":     {"deadbeef"},
		"cirrus_pr":  {"42"},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestHandleHealth(t *testing.T) {
	_, h := newTestServer(t, testConfig(), &fakeQueue{}, testStore(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleSubmit_Zeek(t *testing.T) {
	q := &fakeQueue{}
	st := testStore(t)
	s, h := newTestServer(t, testConfig(), q, st)
	require.NotNil(t, s.machineID)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[submitResponse](t, rec)
	require.NotEmpty(t, resp.Job.ID)
	assert.False(t, resp.Job.EnqueuedAt.IsZero())

	enqueued := q.descriptors()
	require.Len(t, enqueued, 1)

	d := enqueued[0]
	assert.Equal(t, resp.Job.ID, d.JobID)
	assert.Equal(t, request.KindZeek, d.Kind)
	assert.True(t, d.Remote)
	assert.Equal(t, "topic/awelzel/bench", d.OriginalBranch)
	assert.Equal(t, s.machineID, d.MachineID)

	job, err := st.GetJob(context.Background(), resp.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, "zeek", job.Kind)
	assert.Equal(t, "deadbeef", job.SHA)
	require.NotNil(t, job.CirrusPR)
	assert.Equal(t, int64(42), *job.CirrusPR)
	require.NotNil(t, job.MachineID)
	assert.Equal(t, *s.machineID, *job.MachineID)
}

func TestHandleSubmit_BrokerLocal(t *testing.T) {
	q := &fakeQueue{}
	st := testStore(t)
	_, h := newTestServer(t, testConfig(), q, st)

	params := url.Values{
		"branch": {"master"},
		"build":  {"file:///tmp/spool/build.tgz"},
	}

	req := httptest.NewRequest(http.MethodPost, "/broker?"+params.Encode(), nil)
	req.RemoteAddr = "127.0.0.1:40000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	enqueued := q.descriptors()
	require.Len(t, enqueued, 1)
	assert.Equal(t, request.KindBroker, enqueued[0].Kind)
	assert.False(t, enqueued[0].Remote)

	job, err := st.GetJob(context.Background(), enqueued[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, "broker", job.Kind)
}

func TestHandleSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name: "missing branch",
			req: func() *http.Request {
				p := remoteParams()
				p.Del("branch")

				return signedSubmission("/zeek", p)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "build url not allowed",
			req: func() *http.Request {
				p := remoteParams()
				p.Set("build", "https://example.com/build.tgz")

				return signedSubmission("/zeek", p)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "unsigned remote build",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/zeek?"+remoteParams().Encode(), nil)
				req.RemoteAddr = "192.0.2.10:40000"

				return req
			},
			status: http.StatusForbidden,
		},
		{
			name: "signature for other path",
			req: func() *http.Request {
				req := signedSubmission("/broker", remoteParams())
				req.URL.Path = "/zeek"

				return req
			},
			status: http.StatusForbidden,
		},
		{
			name: "local build from remote address",
			req: func() *http.Request {
				p := url.Values{"branch": {"master"}, "build": {"file:///tmp/build.tgz"}}
				req := httptest.NewRequest(http.MethodPost, "/zeek?"+p.Encode(), nil)
				req.RemoteAddr = "192.0.2.10:40000"

				return req
			},
			status: http.StatusBadRequest,
		},
		{
			name: "wrong method",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/zeek", nil)
			},
			status: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			_, h := newTestServer(t, testConfig(), q, testStore(t))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Empty(t, q.descriptors())
		})
	}
}

func TestHandleSubmit_EnqueueFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("queue unavailable")}
	_, h := newTestServer(t, testConfig(), q, testStore(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[errorResponse](t, rec).Error)
}

func TestHandleSubmit_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1}

	_, h := newTestServer(t, cfg, &fakeQueue{}, testStore(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Health checks are never limited.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetJob(t *testing.T) {
	st := testStore(t)
	_, h := newTestServer(t, testConfig(), &fakeQueue{}, st)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))
	require.Equal(t, http.StatusOK, rec.Code)

	id := decode[submitResponse](t, rec).Job.ID

	timing, err := result.ParseTiming([]byte("BENCHMARK_TIMING=2.5;1024;2.0;0.5"))
	require.NoError(t, err)
	require.NoError(t, st.StoreZeekResult(ctx, store.TestRef{JobID: id, TestID: "pcap", Run: 1}, timing))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[jobResponse](t, rec)
	require.NotNil(t, resp.Job)
	assert.Equal(t, id, resp.Job.ID)
	require.Len(t, resp.ZeekTests, 1)
	assert.True(t, resp.ZeekTests[0].Success)
	assert.Empty(t, resp.BrokerTests)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetJob_QueueStatus(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	q := queue.NewDatabaseQueue(testLogger(), &config.QueueConfig{
		Backend:      queue.BackendDatabase,
		Name:         "default",
		PollInterval: 10 * time.Millisecond,
	}, st.DB())
	require.NoError(t, q.Start(ctx))

	t.Cleanup(func() { _ = q.Stop() })

	_, h := newTestServer(t, testConfig(), q, st)

	getJob := func(t *testing.T, id string) jobResponse {
		t.Helper()

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		return decode[jobResponse](t, rec)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))
	require.Equal(t, http.StatusOK, rec.Code)

	id := decode[submitResponse](t, rec).Job.ID

	resp := getJob(t, id)
	require.NotNil(t, resp.Queue)
	assert.Equal(t, queue.StatusQueued, resp.Queue.Status)
	assert.Nil(t, resp.Queue.StartedAt)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, id, d.Descriptor.JobID)

	resp = getJob(t, id)
	require.NotNil(t, resp.Queue)
	assert.Equal(t, queue.StatusRunning, resp.Queue.Status)
	assert.NotNil(t, resp.Queue.StartedAt)

	require.NoError(t, q.Fail(ctx, d, errors.New("unpack failed")))

	resp = getJob(t, id)
	require.NotNil(t, resp.Queue)
	assert.Equal(t, queue.StatusFailed, resp.Queue.Status)
	assert.Equal(t, "unpack failed", resp.Queue.Error)
	assert.NotNil(t, resp.Queue.FinishedAt)
}

func TestHandleGetJob_NoQueueStatus(t *testing.T) {
	_, h := newTestServer(t, testConfig(), &fakeQueue{}, testStore(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))
	require.Equal(t, http.StatusOK, rec.Code)

	id := decode[submitResponse](t, rec).Job.ID

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"queue"`)
}

func TestHandleListJobs(t *testing.T) {
	_, h := newTestServer(t, testConfig(), &fakeQueue{}, testStore(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())

	for range 3 {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, signedSubmission("/zeek", remoteParams()))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[jobListResponse](t, rec).Jobs, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveMachine_Failure(t *testing.T) {
	s := newServer(testLogger(), testConfig(), Options{
		Queue:   &fakeQueue{},
		Store:   testStore(t),
		Machine: &fakeCollector{err: errors.New("no dmi")},
	})

	s.resolveMachine(context.Background())
	assert.Nil(t, s.machineID)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(testLogger(), testConfig(), Options{
		Queue: &fakeQueue{},
		Store: testStore(t),
	})

	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:555"
	assert.Equal(t, "10.1.2.3", extractIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", extractIP(req))
}
