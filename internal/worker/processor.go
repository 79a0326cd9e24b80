// ============================================================================
// extract-fanout Unit Processor Interface
// ============================================================================
//
// Package: internal/worker
// File: processor.go
// Purpose: The contract between a worker stream and whatever processes one
//          work unit (the exec-based extractor in production, fakes in tests).
//
// Contract:
//   - Process starts work for one unit and returns immediately.
//   - Records are delivered on the returned channel as they are produced.
//   - Closing the channel is the completion signal. The stream drains it
//     fully before it counts the unit as finished.
//   - The context is the request's cancellation signal. It is never nil; a
//     request without a timeout gets a context that simply never fires.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
)

// UnitProcessor processes one work unit and streams its result records.
type UnitProcessor interface {
	Process(ctx context.Context, unit types.WorkUnit) <-chan *types.ResultRecord
}

// ProcessorFunc adapts an ordinary function to UnitProcessor.
type ProcessorFunc func(ctx context.Context, unit types.WorkUnit) <-chan *types.ResultRecord

// Process calls f(ctx, unit).
func (f ProcessorFunc) Process(ctx context.Context, unit types.WorkUnit) <-chan *types.ResultRecord {
	return f(ctx, unit)
}

// DurationObserver receives the wall time each work unit took (e.g. a metrics collector).
type DurationObserver interface {
	ObserveUnitDuration(d time.Duration)
}
