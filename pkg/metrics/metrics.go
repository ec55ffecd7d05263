// Package metrics exports successful benchmark runs to InfluxDB.
package metrics

import (
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/sirupsen/logrus"

	"github.com/zeek/zeek-benchmarker/pkg/config"
	"github.com/zeek/zeek-benchmarker/pkg/result"
)

// Measurement names.
const (
	MeasurementZeek   = "zeek_test"
	MeasurementBroker = "broker_test"
)

// Labels identify the run a point belongs to.
type Labels struct {
	JobID     string
	TestID    string
	Run       int
	Branch    string
	SHA       string
	MachineID uint
}

// Exporter receives successful results.
type Exporter interface {
	ExportZeek(labels Labels, res *result.Timing, ts time.Time)
	ExportBroker(labels Labels, res *result.BrokerLatency, ts time.Time)
	Close()
}

// pointWriter is the subset of the InfluxDB write API used here.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Close()
	Errors() <-chan error
}

type nopExporter struct{}

// Ensure interface compliance.
var (
	_ Exporter = nopExporter{}
	_ Exporter = (*influxExporter)(nil)
)

// Nop returns an exporter that drops everything.
func Nop() Exporter {
	return nopExporter{}
}

func (nopExporter) ExportZeek(Labels, *result.Timing, time.Time)          {}
func (nopExporter) ExportBroker(Labels, *result.BrokerLatency, time.Time) {}
func (nopExporter) Close()                                                {}

type influxExporter struct {
	log    logrus.FieldLogger
	client influxdb2.Client
	writer pointWriter

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New returns an InfluxDB exporter, or a no-op exporter when disabled.
func New(log logrus.FieldLogger, cfg *config.InfluxDBConfig) Exporter {
	if cfg == nil || !cfg.Enabled {
		return Nop()
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions())

	e := newExporter(log, client.WriteAPI(cfg.Org, cfg.Bucket))
	e.client = client

	e.log.WithFields(logrus.Fields{
		"url":    cfg.URL,
		"bucket": cfg.Bucket,
	}).Info("Exporting results to InfluxDB")

	return e
}

func newExporter(log logrus.FieldLogger, writer pointWriter) *influxExporter {
	e := &influxExporter{
		log:    log.WithField("component", "metrics"),
		writer: writer,
		done:   make(chan struct{}),
	}

	e.wg.Add(1)

	go e.drainErrors()

	return e
}

func (e *influxExporter) drainErrors() {
	defer e.wg.Done()

	errs := e.writer.Errors()

	for {
		select {
		case <-e.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}

			e.log.WithError(err).Warn("Failed to write points")
		}
	}
}

func (e *influxExporter) ExportZeek(labels Labels, res *result.Timing, ts time.Time) {
	e.writer.WritePoint(ZeekPoint(labels, res, ts))
}

func (e *influxExporter) ExportBroker(labels Labels, res *result.BrokerLatency, ts time.Time) {
	e.writer.WritePoint(BrokerPoint(labels, res, ts))
}

// Close flushes pending points and releases the client.
func (e *influxExporter) Close() {
	e.once.Do(func() {
		e.writer.Flush()
		close(e.done)
		e.wg.Wait()
		e.writer.Close()

		if e.client != nil {
			e.client.Close()
		}
	})
}

func tags(labels Labels) map[string]string {
	t := map[string]string{
		"job_id":  labels.JobID,
		"test_id": labels.TestID,
		"branch":  labels.Branch,
	}

	if labels.SHA != "" {
		t["sha"] = labels.SHA
	}

	if labels.MachineID != 0 {
		t["machine_id"] = strconv.FormatUint(uint64(labels.MachineID), 10)
	}

	return t
}

// ZeekPoint renders a Zeek timing result.
func ZeekPoint(labels Labels, res *result.Timing, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementZeek, tags(labels), map[string]any{
		"run":          labels.Run,
		"elapsed_time": res.ElapsedTime,
		"user_time":    res.UserTime,
		"system_time":  res.SystemTime,
		"max_rss":      res.MaxRSS,
	}, ts)
}

// BrokerPoint renders a Broker latency result.
func BrokerPoint(labels Labels, res *result.BrokerLatency, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementBroker, tags(labels), map[string]any{
		"run":               labels.Run,
		"logger_sending":    res.LoggerSending,
		"logger_receiving":  res.LoggerReceiving,
		"manager_sending":   res.ManagerSending,
		"manager_receiving": res.ManagerReceiving,
		"proxy_sending":     res.ProxySending,
		"proxy_receiving":   res.ProxyReceiving,
		"worker_sending":    res.WorkerSending,
		"worker_receiving":  res.WorkerReceiving,
		"system":            res.System,
	}, ts)
}
