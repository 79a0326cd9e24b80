// ============================================================================
// extract-fanout Worker - One Parallel Stream
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Pulls work units from the shared distribution channel and feeds
//           every produced record into the merge channel.
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive a unit from unitCh (blocking; several workers share it)
//   2. If the request context has fired, count the unit as skipped
//   3. Otherwise call the processor and drain its record channel
//   4. Record telemetry and forward each record to the merge channel
//   5. Repeat until unitCh is closed
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌────────────────────────────────────┐  │
//   │  │ for unit := range unitCh           │  │
//   │  │   ├─ ctx fired? skip               │  │
//   │  │   ├─ ch := processor.Process(unit) │  │
//   │  │   └─ for rec := range ch → merge   │  │
//   │  └────────────────────────────────────┘  │
//   └──────────────────────────────────────────┘
//
// Failure isolation:
//   A processor that panics or returns a nil channel fails only the unit in
//   hand. The stream reports it and moves on to the next unit.
//
// Records already produced are always forwarded, even after cancellation.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
)

var (
	// ErrProcessorPanic wraps a panic raised while starting or draining a unit.
	ErrProcessorPanic = errors.New("unit processor panicked")
	// ErrNilRecords is returned when a processor hands back no record channel.
	ErrNilRecords = errors.New("unit processor returned no record channel")
)

// Worker is one stream of the pool.
type Worker struct {
	id        int
	unitCh    <-chan types.WorkUnit
	merge     chan<- *types.ResultRecord
	processor UnitProcessor
	agg       *progress.Aggregator
	observer  DurationObserver
	onError   func(error)
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:        id,
		unitCh:    p.unitCh,
		merge:     p.merge,
		processor: p.processor,
		agg:       p.agg,
		observer:  p.observer,
		onError:   p.recordError,
	}
}

// Run is the stream's main loop. It returns once the distribution channel is
// closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for unit := range w.unitCh {
		if ctx.Err() != nil {
			w.agg.RecordUnitSkipped()
			log.Debug("skipping unit after cancellation", "stream", w.id, "dir", unit.InputDirectory)
			continue
		}
		w.process(ctx, unit)
	}
}

func (w *Worker) process(ctx context.Context, unit types.WorkUnit) {
	start := time.Now()
	defer func() {
		w.agg.RecordUnitCompleted(w.id)
		if w.observer != nil {
			w.observer.ObserveUnitDuration(time.Since(start))
		}
	}()

	w.agg.Info(fmt.Sprintf("stream %d: processing %s", w.id, unit.InputDirectory))

	ch, err := w.open(ctx, unit)
	if err != nil {
		w.fail(unit, err)
		return
	}
	if err := w.drain(ch); err != nil {
		w.fail(unit, err)
		// keep the producer unblocked
		for range ch {
		}
	}
}

func (w *Worker) open(ctx context.Context, unit types.WorkUnit) (ch <-chan *types.ResultRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	ch = w.processor.Process(ctx, unit)
	if ch == nil {
		return nil, ErrNilRecords
	}
	return ch, nil
}

func (w *Worker) drain(ch <-chan *types.ResultRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	for rec := range ch {
		if rec == nil {
			continue
		}
		var size int64
		ok := rec.Success()
		if ok {
			size = rec.ArtifactSize()
		}
		w.agg.RecordResult(ok, size)
		w.merge <- rec
	}
	return nil
}

func (w *Worker) fail(unit types.WorkUnit, err error) {
	err = fmt.Errorf("stream %d: unit %s: %w", w.id, unit.InputDirectory, err)
	w.agg.Error(err.Error())
	w.onError(err)
}
