package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/controller"
	"github.com/ChuLiYu/extract-fanout/internal/extract"
	"github.com/ChuLiYu/extract-fanout/internal/metrics"
	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/internal/server"
	"github.com/ChuLiYu/extract-fanout/internal/snapshot"
	"github.com/ChuLiYu/extract-fanout/internal/storage/journal"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoRoots is returned when neither arguments nor config name a root.
	ErrNoRoots = errors.New("no root directories given")

	// ErrRecordsFailed is returned by run --fail-on-error when anything failed.
	ErrRecordsFailed = errors.New("one or more records or requests failed")
)

func buildRunCommand(st *state) *cobra.Command {
	var failOnError bool

	cmd := &cobra.Command{
		Use:   "run [ROOT...]",
		Short: "Start extraction over one or more root directories",
		Long: `Submit one request per root. Every leaf directory under a root is a work
unit; its archives are extracted into the mirrored path under --output.
Roots fall back to request.roots from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyRunFlags(cmd, st.cfg); err != nil {
				return err
			}
			if len(args) > 0 {
				st.cfg.Request.Roots = args
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := runExtraction(ctx, st.cfg, st.logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			renderSummary(cmd.OutOrStdout(), res.Summary)
			if failOnError && res.Failed() {
				return ErrRecordsFailed
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("output", "", "output root directory")
	f.String("exe", "", "extractor executable (path or name on PATH)")
	f.String("filter", "", "only process leaf directories whose name starts with this")
	f.Int("budget", 0, "total concurrency budget (0 means number of CPUs)")
	f.Duration("timeout", 0, "per-request and per-unit timeout (0 disables)")
	f.Bool("ignore-errors", false, "pass the ignore-errors arguments to the extractor")
	f.String("prefix", "", "artifact prefix policy: none, identifier, directory")
	f.String("journal", "", "result journal path (empty string disables)")
	f.String("summary", "", "run summary path (empty string disables)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("health-addr", "", "serve gRPC health on this address")
	f.BoolVar(&failOnError, "fail-on-error", false, "exit non-zero when any record or request failed")

	return cmd
}

// applyRunFlags copies explicitly set flags over cfg.
func applyRunFlags(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()
	var errs *multierror.Error
	str := func(name string, dst *string) {
		if f.Changed(name) {
			v, err := f.GetString(name)
			errs = multierror.Append(errs, err)
			*dst = v
		}
	}

	str("output", &cfg.Request.Output)
	str("exe", &cfg.Extract.Executable)
	str("filter", &cfg.Request.Filter)
	str("prefix", &cfg.Request.Prefix)
	str("journal", &cfg.Journal.Path)
	str("summary", &cfg.Summary.Path)
	if f.Changed("metrics-addr") {
		str("metrics-addr", &cfg.Metrics.Addr)
		cfg.Metrics.Enabled = cfg.Metrics.Addr != ""
	}
	if f.Changed("health-addr") {
		str("health-addr", &cfg.Health.Addr)
		cfg.Health.Enabled = cfg.Health.Addr != ""
	}
	if f.Changed("budget") {
		v, err := f.GetInt("budget")
		errs = multierror.Append(errs, err)
		cfg.Controller.Budget = v
	}
	if f.Changed("timeout") {
		v, err := f.GetDuration("timeout")
		errs = multierror.Append(errs, err)
		cfg.Request.Timeout = v
	}
	if f.Changed("ignore-errors") {
		v, err := f.GetBool("ignore-errors")
		errs = multierror.Append(errs, err)
		cfg.Request.IgnoreErrors = v
	}
	return errs.ErrorOrNil()
}

// runResult is what one run produced.
type runResult struct {
	Summary       types.RunSummary
	FailedRecords int
}

// Failed reports whether any record or request failed.
func (r runResult) Failed() bool {
	return r.FailedRecords > 0 || r.Summary.Progress.RequestsFailed > 0
}

// requests builds one RootRequest per configured root.
func requests(cfg *Config) []types.RootRequest {
	reqs := make([]types.RootRequest, 0, len(cfg.Request.Roots))
	for _, root := range cfg.Request.Roots {
		reqs = append(reqs, types.RootRequest{
			RootDirectory:      root,
			OutputDirectory:    cfg.Request.Output,
			OutputPrefixPolicy: types.OutputPrefixPolicy(cfg.Request.Prefix),
			ExecutablePath:     cfg.Extract.Executable,
			IgnoreErrors:       cfg.Request.IgnoreErrors,
			Timeout:            cfg.Request.Timeout,
			TotalBudget:        cfg.Controller.Budget,
			NameFilter:         cfg.Request.Filter,
		})
	}
	return reqs
}

// runExtraction wires the pipeline for cfg, runs every root through it and
// persists the journal and summary. It returns once the pipeline has fully
// drained, even after ctx is cancelled.
func runExtraction(ctx context.Context, cfg *Config, logger *slog.Logger, stderr io.Writer) (runResult, error) {
	if len(cfg.Request.Roots) == 0 {
		return runResult{}, ErrNoRoots
	}
	if logger == nil {
		logger = slog.Default()
	}
	started := time.Now()

	agg := progress.NewAggregator()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	proc, err := extract.New(extract.Config{
		Extensions:       cfg.Extract.Extensions,
		Args:             cfg.Extract.Args,
		IgnoreErrorsArgs: cfg.Extract.IgnoreErrorsArgs,
		Grace:            cfg.Extract.Grace,
	}, agg)
	if err != nil {
		return runResult{}, fmt.Errorf("failed to create extractor: %w", err)
	}

	ctrl, err := controller.New(controller.Config{
		Processor:         proc,
		Extensions:        proc.Extensions(),
		AcceptDelay:       cfg.Controller.AcceptDelay,
		DefaultBudget:     cfg.Controller.Budget,
		IdentifierPattern: cfg.Controller.IdentifierPattern,
		QueueSize:         cfg.Controller.QueueSize,
		Aggregator:        agg,
		Metrics:           collector,
	})
	if err != nil {
		return runResult{}, fmt.Errorf("failed to create controller: %w", err)
	}

	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		jr, err = journal.Open(cfg.Journal.Path,
			journal.WithBufferSize(cfg.Journal.BufferSize),
			journal.WithFlushInterval(cfg.Journal.FlushInterval))
		if err != nil {
			return runResult{}, err
		}
		defer jr.Close()
	}

	// Services live until the pipeline drains. A failing service cancels the run.
	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()
	g, runCtx := errgroup.WithContext(svcCtx)

	if cfg.Metrics.Enabled {
		ms, err := metrics.NewServer(cfg.Metrics.Addr, reg)
		if err != nil {
			return runResult{}, fmt.Errorf("failed to start metrics server: %w", err)
		}
		g.Go(func() error { return ms.Serve(runCtx) })
	}
	if cfg.Health.Enabled {
		lis, err := net.Listen("tcp", cfg.Health.Addr)
		if err != nil {
			stopServices()
			_ = g.Wait()
			return runResult{}, fmt.Errorf("failed to start health server: %w", err)
		}
		hs := server.New(ctrl)
		g.Go(func() error { return hs.Serve(runCtx, lis) })
	}

	reporter := progress.NewReporter(agg,
		progress.WithInterval(cfg.Progress.Interval),
		progress.WithOutput(stderr),
		progress.WithLogger(logger),
		progress.WithPublisher(collector))
	final := make(chan types.ProgressSnapshot, 1)
	go func() { final <- reporter.Run(context.WithoutCancel(ctx)) }()

	if err := ctrl.Start(runCtx); err != nil {
		agg.Complete()
		<-final
		return runResult{}, err
	}

	reqs := requests(cfg)
	logger.Info("Run started", "roots", len(reqs), "output", cfg.Request.Output, "exe", cfg.Extract.Executable)
	go func() {
		defer ctrl.Close()
		for _, req := range reqs {
			if err := ctrl.Submit(runCtx, req); err != nil {
				logger.Warn("Submit stopped", "root", req.RootDirectory, "error", err)
				return
			}
		}
	}()

	var (
		failed     int
		journalErr *multierror.Error
	)
	for rec := range ctrl.Results() {
		ok := rec.Success()
		if jr != nil {
			e, err := jr.Append(rec)
			if err != nil {
				journalErr = multierror.Append(journalErr, err)
			} else {
				ok = e.Success
			}
		}
		if !ok {
			failed++
		}
	}
	<-ctrl.Done()
	ctrl.Wait()

	agg.Complete()
	snap := <-final

	stopServices()
	var errs *multierror.Error
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = multierror.Append(errs, err)
	}
	if jr != nil {
		errs = multierror.Append(errs, journalErr.ErrorOrNil(), jr.Close())
	}

	summary := types.RunSummary{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Requests:   ctrl.Summaries(),
		Progress:   snap,
	}
	if jr != nil {
		summary.Journal = jr.Path()
	}
	if cfg.Summary.Path != "" {
		mgr := snapshot.NewManager(cfg.Summary.Path)
		errs = multierror.Append(errs, mgr.WriteWithBackup(summary, cfg.Summary.KeepBackups))
	}

	if ctx.Err() != nil {
		logger.Warn("Run interrupted", "skipped", snap.UnitsSkipped)
	}
	logger.Info("Run finished",
		"records_failed", failed,
		"requests_failed", snap.RequestsFailed,
		"elapsed", summary.FinishedAt.Sub(started).Round(time.Millisecond))

	return runResult{Summary: summary, FailedRecords: failed}, errs.ErrorOrNil()
}
