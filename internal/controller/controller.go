// ============================================================================
// extract-fanout Controller - Fan-Out/Fan-In Pipeline
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Wires the head, processing, distribution, worker, merge and tail
//          stages and owns their completion order.
//
// Stages (one goroutine each, plus N worker streams per request):
//
//   Submit() ─→ headCh ─→ [head] ─→ processCh ─→ [processing]
//                                                    │ discovery, allocation,
//                                                    │ derivation
//                                                    ▼
//                                           unitCh (per request pool)
//                                           ├─→ stream 0 ─┐
//                                           ├─→ stream 1 ─┼─→ merge ─→ [tail] ─→ Results()
//                                           └─→ stream N ─┘
//
// Head:
//   Accepts one request, reports busy, waits AcceptDelay, then hands it to
//   processing. Ready() is false for that whole window so a scheduler
//   polling several controllers sees the busy state before it can route a
//   second request here.
//
// Processing:
//   Exactly one request in flight. Validation failures and panics are
//   reported and the loop moves on to the next request.
//
// Completion:
//   Close() → headCh closed → head exits, closes processCh → processing
//   finishes the current request (its pool waits for every stream) and
//   closes merge → tail drains merge, closes Results(), then Done().
//
//   merge has many producers over the controller's lifetime, so it is closed
//   only by the processing stage after the last pool has returned.
//
// Cancellation:
//   Each request runs under context.WithTimeout(parent, Timeout), or
//   context.WithCancel(parent) when Timeout is zero. The context always
//   exists; it just never fires on its own without a timeout.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/allocator"
	"github.com/ChuLiYu/extract-fanout/internal/discovery"
	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/internal/worker"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
)

var log = slog.Default()

// DefaultAcceptDelay is how long the head stays busy after accepting a request.
const DefaultAcceptDelay = 250 * time.Millisecond

var (
	// ErrControllerClosed is returned by Submit after Close.
	ErrControllerClosed = errors.New("controller is closed")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("controller not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrNoProcessor is returned by New without a processor.
	ErrNoProcessor = errors.New("controller requires a unit processor")
	// ErrProcessingPanic wraps a panic recovered while processing a request.
	ErrProcessingPanic = errors.New("request processing panicked")
)

// Request outcomes reported to the metrics recorder.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
	OutcomeEmpty     = "empty"
	OutcomePanicked  = "panicked"
)

// MetricsRecorder receives per-request metrics. *metrics.Collector implements it.
type MetricsRecorder interface {
	worker.DurationObserver
	RecordRequest(outcome string, d time.Duration)
	SetAllocation(a types.Allocation)
}

// Config configures a Controller.
type Config struct {
	Processor         worker.UnitProcessor // required
	Extensions        []string             // target file suffixes for discovery
	AcceptDelay       time.Duration        // 0 means DefaultAcceptDelay; negative disables
	DefaultBudget     int                  // used when a request has no budget; 0 means NumCPU
	IdentifierPattern string               // regexp; empty means DefaultIdentifierPattern
	Identify          IdentifierFunc       // overrides IdentifierPattern
	QueueSize         int                  // Results() buffer
	Aggregator        *progress.Aggregator // nil creates a private one
	Metrics           MetricsRecorder      // optional
}

// Controller runs the pipeline. It is created with New, started with Start
// and shut down with Close. Results() must be drained for the pipeline to
// make progress.
type Controller struct {
	cfg      Config
	agg      *progress.Aggregator
	identify IdentifierFunc

	headCh    chan types.RootRequest
	processCh chan types.RootRequest
	merge     chan *types.ResultRecord
	results   chan *types.ResultRecord
	done      chan struct{}

	mu        sync.RWMutex // guards started/closed and submitWg.Add
	started   bool
	closed    bool
	closing   chan struct{} // closed by Close before headCh
	accepting atomic.Bool   // started and not closed, readable without mu
	pending   atomic.Int32  // requests submitted but not yet handed to processing
	submitWg  sync.WaitGroup
	loopWg    sync.WaitGroup

	sumMu     sync.Mutex
	summaries []types.RequestSummary
}

// New validates cfg and creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Processor == nil {
		return nil, ErrNoProcessor
	}
	if cfg.AcceptDelay == 0 {
		cfg.AcceptDelay = DefaultAcceptDelay
	}
	if cfg.DefaultBudget < 1 {
		cfg.DefaultBudget = runtime.NumCPU()
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	identify := cfg.Identify
	if identify == nil {
		pattern := cfg.IdentifierPattern
		if pattern == "" {
			pattern = DefaultIdentifierPattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("identifier pattern: %w", err)
		}
		identify = PatternIdentifier(re)
	}

	agg := cfg.Aggregator
	if agg == nil {
		agg = progress.NewAggregator()
	}

	return &Controller{
		cfg:       cfg,
		agg:       agg,
		identify:  identify,
		headCh:    make(chan types.RootRequest),
		processCh: make(chan types.RootRequest),
		closing:   make(chan struct{}),
		merge:     make(chan *types.ResultRecord, cfg.QueueSize),
		results:   make(chan *types.ResultRecord, cfg.QueueSize),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the head, processing and tail stages. ctx is the parent of
// every request context; cancelling it cancels all work.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if c.closed {
		return ErrControllerClosed
	}
	c.started = true
	c.accepting.Store(true)

	c.loopWg.Add(3)
	go c.headLoop(ctx)
	go c.processLoop(ctx)
	go c.tailLoop()

	log.Info("Controller started", "accept_delay", c.cfg.AcceptDelay, "default_budget", c.cfg.DefaultBudget)
	return nil
}

// Submit hands req to the head stage, blocking until the head accepts it,
// ctx is done or Close is called. Validation problems are reported through
// telemetry, not here.
func (c *Controller) Submit(ctx context.Context, req types.RootRequest) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrControllerClosed
	}
	if !c.started {
		c.mu.RUnlock()
		return ErrNotStarted
	}
	c.submitWg.Add(1)
	c.mu.RUnlock()
	defer c.submitWg.Done()

	// Close may have started after the check above
	select {
	case <-c.closing:
		return ErrControllerClosed
	default:
	}

	c.pending.Add(1)
	select {
	case c.headCh <- req:
		return nil
	case <-c.closing:
		c.pending.Add(-1)
		return ErrControllerClosed
	case <-ctx.Done():
		c.pending.Add(-1)
		return ctx.Err()
	}
}

// Results is the merged record stream. It is closed once every request has
// finished after Close.
func (c *Controller) Results() <-chan *types.ResultRecord {
	return c.results
}

// Done is closed after Results has been closed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Ready reports whether the head would accept a request immediately.
func (c *Controller) Ready() bool {
	return c.accepting.Load() && c.pending.Load() == 0
}

// Aggregator returns the telemetry sink used by this controller.
func (c *Controller) Aggregator() *progress.Aggregator {
	return c.agg
}

// Summaries returns what happened to each processed request so far.
func (c *Controller) Summaries() []types.RequestSummary {
	c.sumMu.Lock()
	defer c.sumMu.Unlock()
	return slices.Clone(c.summaries)
}

// Close stops accepting requests. Submits still blocked on the head return
// ErrControllerClosed; work the head already accepted runs to completion.
// Wait on Done (while draining Results) to observe the end. Calling Close on
// a controller that was never started closes Results and Done immediately.
func (c *Controller) Close() {
	c.accepting.Store(false)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	close(c.closing)
	c.mu.Unlock()

	log.Info("Closing controller")
	c.submitWg.Wait()
	close(c.headCh)
	if !started {
		close(c.results)
		close(c.done)
	}
}

// Wait blocks until Done is closed. Results must be drained concurrently.
func (c *Controller) Wait() {
	<-c.done
	c.loopWg.Wait()
}

// ============================================================================
// Stages
// ============================================================================

func (c *Controller) headLoop(ctx context.Context) {
	defer c.loopWg.Done()
	defer close(c.processCh)

	for req := range c.headCh {
		if c.cfg.AcceptDelay > 0 {
			timer := time.NewTimer(c.cfg.AcceptDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		c.processCh <- req
		c.pending.Add(-1)
	}
	log.Info("Head stage stopped")
}

func (c *Controller) processLoop(ctx context.Context) {
	defer c.loopWg.Done()
	// every pool has waited for its streams by the time handle returns
	defer close(c.merge)

	for req := range c.processCh {
		c.handle(ctx, req)
	}
	log.Info("Processing stage stopped")
}

func (c *Controller) tailLoop() {
	defer c.loopWg.Done()
	for rec := range c.merge {
		c.results <- rec
	}
	close(c.results)
	close(c.done)
	log.Info("Controller stopped")
}

// handle processes one request. Nothing escapes it: every failure is
// reported to telemetry and the controller stays usable.
func (c *Controller) handle(parent context.Context, req types.RootRequest) {
	start := time.Now()
	summary := types.RequestSummary{ID: req.ID, Root: req.RootDirectory, Output: req.OutputDirectory}
	outcome := OutcomeCompleted

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrProcessingPanic, r)
			log.Error("Request processing panicked", "request", summary.ID, "error", err)
			c.agg.Error(fmt.Sprintf("request %s: %v", summary.ID, err))
			c.agg.RecordRequestFailed()
			summary.Error = err.Error()
			outcome = OutcomePanicked
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordRequest(outcome, time.Since(start))
		}
		c.sumMu.Lock()
		c.summaries = append(c.summaries, summary)
		c.sumMu.Unlock()
	}()

	outcome = c.run(parent, req, &summary)
}

func (c *Controller) run(parent context.Context, req types.RootRequest, summary *types.RequestSummary) string {
	req, err := normalize(req, c.cfg.DefaultBudget)
	summary.ID = req.ID
	if err != nil {
		log.Warn("Rejected request", "request", req.ID, "root", req.RootDirectory, "error", err)
		c.agg.Error(fmt.Sprintf("request %s rejected: %v", req.ID, err))
		c.agg.RecordRequestFailed()
		summary.Error = err.Error()
		return OutcomeRejected
	}
	summary.Root = req.RootDirectory
	summary.Output = req.OutputDirectory

	ctx, cancel := requestContext(parent, req.Timeout)
	defer cancel()

	dirs := discovery.Collect(discovery.Leaves(req.RootDirectory, discovery.Options{
		Extensions: c.cfg.Extensions,
		NameFilter: req.NameFilter,
	}))
	c.agg.AddUnitsFound(len(dirs))

	// dropped units must not hold budget, so size over what survived derivation
	units := c.accept(deriveAll(req, dirs, c.identify))
	alloc := allocator.Allocate(slices.Values(units), req.TotalBudget)
	for i := range units {
		units[i].SharesAssigned = alloc.SharesPerStream
	}
	summary.Allocation = alloc
	summary.Units = len(units)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetAllocation(alloc)
	}

	log.Info("Request accepted",
		"request", req.ID,
		"root", req.RootDirectory,
		"leaves", len(dirs),
		"units", len(units),
		"streams", alloc.Streams,
		"shares", alloc.SharesPerStream)
	c.agg.Info(fmt.Sprintf("request %s: %d units across %d streams (%d shares each)",
		req.ID, len(units), alloc.Streams, alloc.SharesPerStream))

	if len(units) == 0 {
		return OutcomeEmpty
	}

	var opts []worker.PoolOption
	if c.cfg.Metrics != nil {
		opts = append(opts, worker.WithDurationObserver(c.cfg.Metrics))
	}
	pool := worker.NewPool(c.cfg.Processor, c.agg, c.merge, len(units), opts...)
	if err := pool.Start(ctx, min(alloc.Streams, len(units))); err != nil {
		panic(fmt.Sprintf("start worker pool: %v", err))
	}
	defer func() {
		if err := pool.Close(); err != nil {
			summary.Error = err.Error()
		}
	}()

	for _, u := range units {
		if err := pool.Submit(u); err != nil {
			panic(fmt.Sprintf("submit unit %s: %v", u.InputDirectory, err))
		}
	}
	if err := pool.Close(); err != nil {
		summary.Error = err.Error()
	}

	if ctx.Err() != nil {
		log.Warn("Request cancelled", "request", req.ID, "cause", context.Cause(ctx))
		c.agg.Error(fmt.Sprintf("request %s cancelled: %v", req.ID, context.Cause(ctx)))
		return OutcomeCancelled
	}
	log.Info("Request finished", "request", req.ID, "units", len(units))
	return OutcomeCompleted
}

// accept keeps the derivations that produced a unit and reports the rest.
func (c *Controller) accept(ds []Derivation) []types.WorkUnit {
	units := make([]types.WorkUnit, 0, len(ds))
	for _, d := range ds {
		if !d.OK() {
			log.Warn("Dropped work unit", "dir", d.Dir, "error", d.Err)
			c.agg.Error(fmt.Sprintf("dropped %s: %v", d.Dir, d.Err))
			c.agg.RecordUnitDropped()
			continue
		}
		units = append(units, d.Unit)
	}
	return units
}

// requestContext returns the cancellation signal for one request.
func requestContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}
