package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector)
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	// the counter vec has no children until a request is recorded
	assert.Equal(t, 12, n)
}

func TestNewCollector_DefaultRegisterer(t *testing.T) {
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	defer func() { prometheus.DefaultRegisterer = prev }()

	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestRecordRequest(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordRequest("completed", time.Second)
	c.RecordRequest("completed", 2*time.Second)
	c.RecordRequest("rejected", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.requestDuration))
}

func TestSetAllocation(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.SetAllocation(types.Allocation{Streams: 8, SharesPerStream: 2})

	assert.Equal(t, 8.0, testutil.ToFloat64(c.streams))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sharesPerStream))
}

func TestObserveUnitDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	for _, d := range []time.Duration{250 * time.Millisecond, time.Second, time.Minute} {
		c.ObserveUnitDuration(d)
	}

	expected := `
# HELP extract_unit_duration_seconds Wall time of one work unit
# TYPE extract_unit_duration_seconds histogram
extract_unit_duration_seconds_bucket{le="0.05"} 0
extract_unit_duration_seconds_bucket{le="0.1"} 0
extract_unit_duration_seconds_bucket{le="0.25"} 1
extract_unit_duration_seconds_bucket{le="0.5"} 1
extract_unit_duration_seconds_bucket{le="1"} 2
extract_unit_duration_seconds_bucket{le="2.5"} 2
extract_unit_duration_seconds_bucket{le="5"} 2
extract_unit_duration_seconds_bucket{le="10"} 2
extract_unit_duration_seconds_bucket{le="30"} 2
extract_unit_duration_seconds_bucket{le="60"} 3
extract_unit_duration_seconds_bucket{le="120"} 3
extract_unit_duration_seconds_bucket{le="300"} 3
extract_unit_duration_seconds_bucket{le="+Inf"} 3
extract_unit_duration_seconds_sum 61.25
extract_unit_duration_seconds_count 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "extract_unit_duration_seconds"))
}

func TestObserveSnapshot(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.ObserveSnapshot(types.ProgressSnapshot{
		UnitsFound:     10,
		UnitsCompleted: 7,
		UnitsDropped:   1,
		UnitsSkipped:   2,
		UnitsSucceeded: 20,
		UnitsFailed:    3,
		BytesProduced:  4096,
		PeakMemory:     1 << 20,
	})

	assert.Equal(t, 10.0, testutil.ToFloat64(c.unitsFound))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.unitsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unitsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.unitsSkipped))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.recordsSucceeded))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.recordsFailed))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bytesProduced))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(c.peakMemory))
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordRequest("completed", time.Second)

	srv, err := NewServer("127.0.0.1:0", reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, `extract_requests_total{outcome="completed"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
