// ============================================================================
// extract-fanout Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Expose pipeline progress and per-request sizing to Prometheus
//
// Metrics:
//
//   1. Counters:
//      - extract_requests_total{outcome}: processed requests by outcome
//        (completed, cancelled, rejected, empty, panicked)
//
//   2. Histograms:
//      - extract_request_duration_seconds: wall time of one request
//      - extract_unit_duration_seconds: wall time of one work unit
//
//   3. Gauges (last allocation):
//      - extract_streams: worker streams of the latest request
//      - extract_shares_per_stream: shares given to each stream
//
//   4. Gauges (mirrored from progress snapshots every reporter tick):
//      - extract_units_found, extract_units_completed, extract_units_dropped,
//        extract_units_skipped
//      - extract_records_succeeded, extract_records_failed
//      - extract_bytes_produced, extract_peak_memory_bytes
//
// Example queries:
//
//   # share of failed records
//   extract_records_failed / (extract_records_succeeded + extract_records_failed)
//
//   # 95th percentile unit time
//   histogram_quantile(0.95, rate(extract_unit_duration_seconds_bucket[5m]))
//
// HTTP endpoint:
//   /metrics, served by Server when metrics.addr is configured.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = slog.Default()

const namespace = "extract"

// unitBuckets cover a quick gunzip up to a multi-minute archive set.
var unitBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collector holds every metric of one run.
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	unitDuration    prometheus.Histogram

	streams         prometheus.Gauge
	sharesPerStream prometheus.Gauge

	unitsFound       prometheus.Gauge
	unitsCompleted   prometheus.Gauge
	unitsDropped     prometheus.Gauge
	unitsSkipped     prometheus.Gauge
	recordsSucceeded prometheus.Gauge
	recordsFailed    prometheus.Gauge
	bytesProduced    prometheus.Gauge
	peakMemory       prometheus.Gauge
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewCollector creates a Collector and registers it with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Processed root requests by outcome",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time of one root request",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time of one work unit",
			Buckets:   unitBuckets,
		}),
		streams:          gauge("streams", "Worker streams of the latest request"),
		sharesPerStream:  gauge("shares_per_stream", "Budget shares per stream of the latest request"),
		unitsFound:       gauge("units_found", "Leaf directories discovered"),
		unitsCompleted:   gauge("units_completed", "Work units whose worker finished"),
		unitsDropped:     gauge("units_dropped", "Work units dropped during derivation"),
		unitsSkipped:     gauge("units_skipped", "Work units skipped after cancellation"),
		recordsSucceeded: gauge("records_succeeded", "Result records with a non-empty artifact"),
		recordsFailed:    gauge("records_failed", "Result records without a usable artifact"),
		bytesProduced:    gauge("bytes_produced", "Bytes of produced artifacts"),
		peakMemory:       gauge("peak_memory_bytes", "Peak sampled process memory"),
	}

	reg.MustRegister(
		c.requests,
		c.requestDuration,
		c.unitDuration,
		c.streams,
		c.sharesPerStream,
		c.unitsFound,
		c.unitsCompleted,
		c.unitsDropped,
		c.unitsSkipped,
		c.recordsSucceeded,
		c.recordsFailed,
		c.bytesProduced,
		c.peakMemory,
	)
	return c
}

// RecordRequest counts one processed request.
func (c *Collector) RecordRequest(outcome string, d time.Duration) {
	c.requests.WithLabelValues(outcome).Inc()
	c.requestDuration.Observe(d.Seconds())
}

// SetAllocation publishes the sizing of the latest request.
func (c *Collector) SetAllocation(a types.Allocation) {
	c.streams.Set(float64(a.Streams))
	c.sharesPerStream.Set(float64(a.SharesPerStream))
}

// ObserveUnitDuration records how long one work unit took.
func (c *Collector) ObserveUnitDuration(d time.Duration) {
	c.unitDuration.Observe(d.Seconds())
}

// ObserveSnapshot mirrors a progress snapshot into the gauges.
func (c *Collector) ObserveSnapshot(s types.ProgressSnapshot) {
	c.unitsFound.Set(float64(s.UnitsFound))
	c.unitsCompleted.Set(float64(s.UnitsCompleted))
	c.unitsDropped.Set(float64(s.UnitsDropped))
	c.unitsSkipped.Set(float64(s.UnitsSkipped))
	c.recordsSucceeded.Set(float64(s.UnitsSucceeded))
	c.recordsFailed.Set(float64(s.UnitsFailed))
	c.bytesProduced.Set(float64(s.BytesProduced))
	c.peakMemory.Set(float64(s.PeakMemory))
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer listens on addr and prepares the /metrics handler for g. A nil g
// uses prometheus.DefaultGatherer.
func NewServer(addr string, g prometheus.Gatherer) (*Server, error) {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()
	log.Info("Metrics server listening", "addr", s.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
