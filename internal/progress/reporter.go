package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	rtmetrics "runtime/metrics"
	"strings"
	"time"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var log = slog.Default()

// DefaultInterval is how often the reporter renders when no interval is configured.
const DefaultInterval = time.Second

const memorySampleName = "/memory/classes/total:bytes"

// SnapshotPublisher receives every snapshot the reporter takes (e.g. a metrics collector).
type SnapshotPublisher interface {
	ObserveSnapshot(types.ProgressSnapshot)
}

// Reporter periodically drains an Aggregator and renders its state.
type Reporter struct {
	agg       *Aggregator
	interval  time.Duration
	out       io.Writer
	tty       bool
	logger    *slog.Logger
	publisher SnapshotPublisher
	sample    func() uint64

	label lipgloss.Style
	fail  lipgloss.Style
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithOutput sets where the live status line is drawn. The line is only drawn
// when w is a terminal.
func WithOutput(w io.Writer) ReporterOption {
	return func(r *Reporter) {
		r.out = w
		r.tty = isTerminal(w)
	}
}

// WithLogger sets the sink for drained info and error lines.
func WithLogger(l *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPublisher forwards every snapshot to p.
func WithPublisher(p SnapshotPublisher) ReporterOption {
	return func(r *Reporter) {
		r.publisher = p
	}
}

// WithMemorySampler replaces the runtime memory sampler.
func WithMemorySampler(f func() uint64) ReporterOption {
	return func(r *Reporter) {
		if f != nil {
			r.sample = f
		}
	}
}

// NewReporter creates a Reporter for agg.
func NewReporter(agg *Aggregator, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		agg:      agg,
		interval: DefaultInterval,
		out:      io.Discard,
		logger:   log,
		sample:   sampleMemory,
		label:    lipgloss.NewStyle().Bold(true),
		fail:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until the aggregator completes or ctx is cancelled, then drains
// one last time and returns the final snapshot.
func (r *Reporter) Run(ctx context.Context) types.ProgressSnapshot {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.agg.Done():
			return r.finish()
		case <-ctx.Done():
			return r.finish()
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick samples memory, drains both queues and renders the current state.
func (r *Reporter) tick() types.ProgressSnapshot {
	r.agg.ObserveMemory(r.sample())
	snap := r.agg.Snapshot()
	infos := r.agg.DrainInfo()
	errs := r.agg.DrainErrors()

	if r.tty && (len(infos) > 0 || len(errs) > 0) {
		fmt.Fprint(r.out, "\r\033[2K")
	}
	for _, line := range infos {
		r.logger.Info(line)
	}
	for _, line := range errs {
		r.logger.Error(line)
	}
	if r.publisher != nil {
		r.publisher.ObserveSnapshot(snap)
	}
	if r.tty {
		fmt.Fprintf(r.out, "\r\033[2K%s", r.StatusLine(snap))
	}
	return snap
}

func (r *Reporter) finish() types.ProgressSnapshot {
	snap := r.tick()
	if r.tty {
		fmt.Fprintln(r.out)
	}
	r.logger.Info("progress complete",
		"units_found", snap.UnitsFound,
		"succeeded", snap.UnitsSucceeded,
		"failed", snap.UnitsFailed,
		"dropped", snap.UnitsDropped,
		"skipped", snap.UnitsSkipped,
		"bytes", snap.BytesProduced,
		"elapsed", snap.Elapsed.Round(time.Millisecond),
		"peak_memory", snap.PeakMemory)
	return snap
}

// StatusLine renders a one-line summary of snap.
func (r *Reporter) StatusLine(snap types.ProgressSnapshot) string {
	var b strings.Builder
	b.WriteString(r.label.Render("units"))
	fmt.Fprintf(&b, " %d/%d", snap.UnitsCompleted, snap.UnitsFound)
	fmt.Fprintf(&b, "  ok %d", snap.UnitsSucceeded)
	if snap.UnitsFailed > 0 {
		b.WriteString("  ")
		b.WriteString(r.fail.Render(fmt.Sprintf("failed %d", snap.UnitsFailed)))
	} else {
		b.WriteString("  failed 0")
	}
	fmt.Fprintf(&b, "  %s", FormatBytes(snap.BytesProduced))
	fmt.Fprintf(&b, "  %s", snap.Elapsed.Round(time.Second))
	fmt.Fprintf(&b, "  peak %s", FormatBytes(int64(snap.PeakMemory)))
	return b.String()
}

// FormatBytes returns a human-readable size (B, KiB, MiB, GiB, TiB).
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), []string{"KiB", "MiB", "GiB", "TiB"}[exp])
}

func sampleMemory() uint64 {
	samples := []rtmetrics.Sample{{Name: memorySampleName}}
	rtmetrics.Read(samples)
	if samples[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return samples[0].Value.Uint64()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
