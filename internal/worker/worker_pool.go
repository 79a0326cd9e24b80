// ============================================================================
// extract-fanout Worker Pool - Fan-Out Stage
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Runs N worker streams that share one distribution channel and
//           write into one merge channel owned by the caller.
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> unitCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Stream 0│←── unitCh
//   │  │Stream 1│←── unitCh   ──→ merge (caller owned)
//   │  │Stream 2│←── unitCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()      - create the pool around a processor and a merge channel
//   2. Start(ctx, n)  - launch n streams bound to the request context
//   3. Submit(unit)   - hand a unit to whichever stream is free
//   4. Close()        - close unitCh, wait for every stream, report failures
//
// The merge channel is never closed here. Several pools (one per request)
// may write into the same merge channel over the controller's lifetime, so
// only its owner can know when the last producer has finished.
//
// Streams keep pulling after cancellation and count the remaining units as
// skipped, so Submit never blocks forever on a cancelled request.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/hashicorp/go-multierror"
)

var log = slog.Default()

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when submitting before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start call.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool runs a fixed number of worker streams for one request.
type Pool struct {
	processor UnitProcessor
	agg       *progress.Aggregator
	observer  DurationObserver
	merge     chan<- *types.ResultRecord
	unitCh    chan types.WorkUnit

	workers []*Worker
	wg      sync.WaitGroup
	started bool
	closed  bool
	mu      sync.Mutex

	errMu sync.Mutex
	errs  *multierror.Error
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDurationObserver reports each unit's wall time to o.
func WithDurationObserver(o DurationObserver) PoolOption {
	return func(p *Pool) {
		p.observer = o
	}
}

// NewPool creates a pool whose streams run units through processor and send
// every record to merge. bufferSize sizes the distribution channel.
func NewPool(processor UnitProcessor, agg *progress.Aggregator, merge chan<- *types.ResultRecord, bufferSize int, opts ...PoolOption) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if agg == nil {
		agg = progress.NewAggregator()
	}
	p := &Pool{
		processor: processor,
		agg:       agg,
		merge:     merge,
		unitCh:    make(chan types.WorkUnit, bufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches streams workers bound to ctx. Fewer than one stream is
// treated as one.
func (p *Pool) Start(ctx context.Context, streams int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if streams < 1 {
		streams = 1
	}

	for i := 0; i < streams; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.agg.AddStreams(streams)
	p.started = true
	return nil
}

// Submit hands unit to the next free stream, blocking while all are busy and
// the buffer is full. It must not be called concurrently with Close.
func (p *Pool) Submit(unit types.WorkUnit) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	unitCh := p.unitCh
	p.mu.Unlock()

	unitCh <- unit
	return nil
}

// Close stops accepting units, waits for every stream to finish, and returns
// the failures collected from all streams. Calling it again returns nil.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.unitCh)
	if started {
		p.wg.Wait()
	}

	err := p.Err()
	if err != nil {
		log.Warn("worker streams reported failures", "error", err)
	}
	return err
}

// Err returns the failures collected so far, or nil.
func (p *Pool) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.errs.ErrorOrNil()
}

func (p *Pool) recordError(err error) {
	p.errMu.Lock()
	p.errs = multierror.Append(p.errs, err)
	p.errMu.Unlock()
}

// WorkerCount returns the number of started streams.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
