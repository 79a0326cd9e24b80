// ============================================================================
// extract-fanout Progress Aggregator
// ============================================================================
//
// Package: internal/progress
// File: aggregator.go
// Purpose: Counters and message queues shared by every worker stream
//
// Concurrency:
//   - Counters are atomic and only ever increase.
//   - The peak memory value uses a compare-and-swap max loop.
//   - Info and error lines go into two unbounded FIFO queues. Writers never
//     block on the reader; the reporting loop swaps each backing slice out
//     under a short lock and renders outside of it.
//   - Complete() stops the elapsed clock exactly once.
//
// One Aggregator is created per run and passed explicitly to the controller,
// the worker pool and the reporter.
//
// ============================================================================

package progress

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// Aggregator collects progress from concurrent workers.
type Aggregator struct {
	unitsFound     atomic.Int64
	unitsSucceeded atomic.Int64
	unitsFailed    atomic.Int64
	unitsCompleted atomic.Int64
	unitsDropped   atomic.Int64
	unitsSkipped   atomic.Int64
	requestsFailed atomic.Int64
	bytesProduced  atomic.Int64
	streams        atomic.Int64
	peakMemory     atomic.Uint64

	perStream *xsync.MapOf[int, *atomic.Int64] // work units finished per stream id

	info   lineQueue
	errors lineQueue

	start        time.Time
	finalNanos   atomic.Int64 // elapsed at completion, 0 while running
	done         chan struct{}
	completeOnce sync.Once
	now          func() time.Time
}

// NewAggregator creates an Aggregator whose elapsed clock starts now.
func NewAggregator() *Aggregator {
	return newAggregatorAt(time.Now)
}

func newAggregatorAt(now func() time.Time) *Aggregator {
	return &Aggregator{
		perStream: xsync.NewMapOf[int, *atomic.Int64](),
		start:     now(),
		done:      make(chan struct{}),
		now:       now,
	}
}

// AddUnitsFound records newly derived work units.
func (a *Aggregator) AddUnitsFound(n int) {
	if n > 0 {
		a.unitsFound.Add(int64(n))
	}
}

// RecordResult counts one emitted result record and the bytes it produced.
func (a *Aggregator) RecordResult(success bool, bytes int64) {
	if success {
		a.unitsSucceeded.Add(1)
	} else {
		a.unitsFailed.Add(1)
	}
	if bytes > 0 {
		a.bytesProduced.Add(bytes)
	}
}

// RecordUnitCompleted counts a work unit whose worker finished on the given stream.
func (a *Aggregator) RecordUnitCompleted(stream int) {
	a.unitsCompleted.Add(1)
	counter, _ := a.perStream.LoadOrCompute(stream, func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	counter.Add(1)
}

// RecordUnitDropped counts a work unit that failed derivation.
func (a *Aggregator) RecordUnitDropped() {
	a.unitsDropped.Add(1)
}

// RecordUnitSkipped counts a work unit pulled after its request was cancelled.
func (a *Aggregator) RecordUnitSkipped() {
	a.unitsSkipped.Add(1)
}

// RecordRequestFailed counts a request rejected before any work started.
func (a *Aggregator) RecordRequestFailed() {
	a.requestsFailed.Add(1)
}

// AddStreams records worker streams started for a request.
func (a *Aggregator) AddStreams(n int) {
	if n > 0 {
		a.streams.Add(int64(n))
	}
}

// ObserveMemory raises the peak memory value if v is larger.
func (a *Aggregator) ObserveMemory(v uint64) {
	for {
		cur := a.peakMemory.Load()
		if v <= cur {
			return
		}
		if a.peakMemory.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Info queues a human-readable line. Blank lines are dropped.
func (a *Aggregator) Info(line string) {
	a.info.push(line)
}

// Error queues a human-readable error line. Blank lines are dropped.
func (a *Aggregator) Error(line string) {
	a.errors.push(line)
}

// DrainInfo removes and returns every queued info line in arrival order.
func (a *Aggregator) DrainInfo() []string {
	return a.info.drain()
}

// DrainErrors removes and returns every queued error line in arrival order.
func (a *Aggregator) DrainErrors() []string {
	return a.errors.drain()
}

// StreamCounts returns a copy of the per-stream completed unit counts.
func (a *Aggregator) StreamCounts() map[int]int64 {
	out := make(map[int]int64)
	a.perStream.Range(func(id int, c *atomic.Int64) bool {
		out[id] = c.Load()
		return true
	})
	return out
}

// Snapshot returns an immutable copy of the counters. Each field is read
// atomically and never goes backwards between snapshots, but fields are read
// one at a time: a snapshot taken while work is running may count a record
// whose unit is not yet in UnitsCompleted. Once the pipeline has finished the
// fields agree.
func (a *Aggregator) Snapshot() types.ProgressSnapshot {
	return types.ProgressSnapshot{
		UnitsFound:     a.unitsFound.Load(),
		UnitsSucceeded: a.unitsSucceeded.Load(),
		UnitsFailed:    a.unitsFailed.Load(),
		UnitsCompleted: a.unitsCompleted.Load(),
		UnitsDropped:   a.unitsDropped.Load(),
		UnitsSkipped:   a.unitsSkipped.Load(),
		RequestsFailed: a.requestsFailed.Load(),
		BytesProduced:  a.bytesProduced.Load(),
		Streams:        a.streams.Load(),
		Elapsed:        a.Elapsed(),
		PeakMemory:     a.peakMemory.Load(),
	}
}

// Elapsed returns the time since creation, frozen once Complete has been called.
func (a *Aggregator) Elapsed() time.Duration {
	if final := a.finalNanos.Load(); final > 0 {
		return time.Duration(final)
	}
	return a.now().Sub(a.start)
}

// Complete stops the elapsed clock and closes Done. Later calls are no-ops.
func (a *Aggregator) Complete() {
	a.completeOnce.Do(func() {
		elapsed := a.now().Sub(a.start)
		if elapsed <= 0 {
			elapsed = 1
		}
		a.finalNanos.Store(int64(elapsed))
		close(a.done)
	})
}

// Done is closed once Complete has been called.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// lineQueue is an unbounded FIFO of non-blank lines.
type lineQueue struct {
	mu    sync.Mutex
	lines []string
}

func (q *lineQueue) push(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	q.mu.Lock()
	q.lines = append(q.lines, line)
	q.mu.Unlock()
}

func (q *lineQueue) drain() []string {
	q.mu.Lock()
	lines := q.lines
	q.lines = nil
	q.mu.Unlock()
	return lines
}
