package metrics

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/result"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	errs    chan error
	flushed int
	closed  bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{errs: make(chan error, 1)}
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.points = append(w.points, p)
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.flushed++
}

func (w *fakeWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
}

func (w *fakeWriter) Errors() <-chan error {
	return w.errs
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}

	return out
}

func tagMap(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}

	return out
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestNew_Disabled(t *testing.T) {
	assert.Equal(t, Nop(), New(testLogger(), nil))
	assert.Equal(t, Nop(), New(testLogger(), &config.InfluxDBConfig{}))
}

func TestZeekPoint(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	labels := Labels{JobID: "job-1", TestID: "pcap-500k", Run: 2, Branch: "master", SHA: "deadbeef", MachineID: 3}

	p := ZeekPoint(labels, &result.Timing{ElapsedTime: 1.12, UserTime: 1.1, SystemTime: 0.02, MaxRSS: 42 * 1024}, ts)

	assert.Equal(t, MeasurementZeek, p.Name())
	assert.Equal(t, ts, p.Time())
	assert.Equal(t, map[string]string{
		"job_id":     "job-1",
		"test_id":    "pcap-500k",
		"branch":     "master",
		"sha":        "deadbeef",
		"machine_id": "3",
	}, tagMap(p))

	f := fields(p)
	assert.InDelta(t, 1.12, f["elapsed_time"], 1e-9)
	assert.EqualValues(t, 42*1024, f["max_rss"])
	assert.EqualValues(t, 2, f["run"])
}

func TestBrokerPoint(t *testing.T) {
	p := BrokerPoint(Labels{JobID: "job-1", TestID: "broker", Run: 1}, &result.BrokerLatency{System: 37.5}, time.Now())

	assert.Equal(t, MeasurementBroker, p.Name())
	assert.NotContains(t, tagMap(p), "sha")
	assert.NotContains(t, tagMap(p), "machine_id")
	assert.InDelta(t, 37.5, fields(p)["system"], 1e-9)
	assert.Len(t, fields(p), 10)
}

func TestExporter(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newFakeWriter()
	e := newExporter(testLogger(), w)

	e.ExportZeek(Labels{TestID: "a"}, &result.Timing{}, time.Now())
	e.ExportBroker(Labels{TestID: "b"}, &result.BrokerLatency{}, time.Now())

	w.errs <- errors.New("write failed")

	e.Close()
	e.Close()

	require.Len(t, w.points, 2)
	assert.Equal(t, MeasurementZeek, w.points[0].Name())
	assert.Equal(t, MeasurementBroker, w.points[1].Name())
	assert.Equal(t, 1, w.flushed)
	assert.True(t, w.closed)
}
