// ============================================================================
// extract-fanout Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: Fan-out throughput, stream bounds and journal replay time
//
// TestFanOutThroughput:
//   - 200 leaf directories, in-process processor sleeping 5ms per unit
//   - concurrent units never exceed the allocated stream count
//   - every unit yields its record
//
// TestJournalReplayPerformance:
//   - 10k journaled records replay in well under 3 seconds
//
// Notes:
//   - timings are logged, only coarse bounds are asserted
//   - CI environment may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/controller"
	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/internal/storage/journal"
	"github.com/ChuLiYu/extract-fanout/internal/worker"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sleepyProcessor emits one record per unit after a short pause and tracks
// how many units run at once.
type sleepyProcessor struct {
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *sleepyProcessor) Process(ctx context.Context, unit types.WorkUnit) <-chan *types.ResultRecord {
	ch := make(chan *types.ResultRecord, 1)
	go func() {
		defer close(ch)
		n := p.inFlight.Add(1)
		defer p.inFlight.Add(-1)
		for {
			peak := p.peak.Load()
			if n <= peak || p.peak.CompareAndSwap(peak, n) {
				break
			}
		}

		rec := types.NewResultRecord(filepath.Join(unit.InputDirectory, "data.gz"), filepath.Join(unit.OutputDirectory, "data"))
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			rec.MarkExplicitFailure("cancelled")
		}
		ch <- rec
	}()
	return ch
}

var _ worker.UnitProcessor = (*sleepyProcessor)(nil)

func unitTree(t testing.TB, n int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < n; i++ {
		dir := filepath.Join(root, fmt.Sprintf("bay%02d", i%10), fmt.Sprintf("SN%04d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "data.gz"), []byte("x"), 0o644))
	}
	return root
}

// selfExecutable returns the test binary, which passes executable validation
// without being invoked by in-process processors.
func selfExecutable(t testing.TB) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func runInProcess(t testing.TB, proc worker.UnitProcessor, req types.RootRequest) (int, *controller.Controller) {
	t.Helper()
	agg := progress.NewAggregator()
	ctrl, err := controller.New(controller.Config{
		Processor:   proc,
		Extensions:  []string{".gz"},
		AcceptDelay: -1,
		Aggregator:  agg,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	p := &pipeline{agg: agg, ctrl: ctrl}
	records := 0
	p.runRequests(t, context.Background(), func(*types.ResultRecord) { records++ }, req)
	return records, ctrl
}

func TestFanOutThroughput(t *testing.T) {
	const units = 200
	root := unitTree(t, units)
	proc := &sleepyProcessor{delay: 5 * time.Millisecond}

	start := time.Now()
	records, ctrl := runInProcess(t, proc, types.RootRequest{
		RootDirectory:   root,
		OutputDirectory: t.TempDir(),
		ExecutablePath:  selfExecutable(t),
		TotalBudget:     16,
	})
	elapsed := time.Since(start)

	summaries := ctrl.Summaries()
	require.Len(t, summaries, 1)
	alloc := summaries[0].Allocation

	t.Logf("=== Fan-out Results ===")
	t.Logf("Units: %d, streams: %d x %d shares", units, alloc.Streams, alloc.SharesPerStream)
	t.Logf("Peak concurrent units: %d", proc.peak.Load())
	t.Logf("Elapsed: %v (%.0f units/s)", elapsed, float64(units)/elapsed.Seconds())

	assert.Equal(t, units, records)
	assert.Equal(t, types.Allocation{Streams: 8, SharesPerStream: 2}, alloc)
	assert.LessOrEqual(t, int(proc.peak.Load()), alloc.Streams)
	assert.Equal(t, int64(units), ctrl.Aggregator().Snapshot().UnitsCompleted)

	// serial would take units*delay; fan-out must be clearly faster
	assert.Less(t, elapsed, units*proc.delay)
}

func TestJournalReplayPerformance(t *testing.T) {
	const entries = 10000
	dir := t.TempDir()
	path := filepath.Join(dir, "results.jsonl")

	jr, err := journal.Open(path)
	require.NoError(t, err)
	for i := 0; i < entries; i++ {
		rec := types.NewResultRecord(fmt.Sprintf("/in/SN%05d/a.gz", i), fmt.Sprintf("/out/SN%05d/a", i))
		if i%10 == 0 {
			rec.AppendError("corrupt archive")
		}
		_, err := jr.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, jr.Close())

	start := time.Now()
	stats, err := journal.ReadStats(path)
	elapsed := time.Since(start)
	require.NoError(t, err)

	t.Logf("Replayed %d entries (%d bytes) in %v", stats.Entries, stats.FileSize, elapsed)
	assert.Equal(t, entries, stats.Entries)
	assert.Equal(t, uint64(entries), stats.LastSeq)
	assert.Less(t, elapsed, 3*time.Second)
}
