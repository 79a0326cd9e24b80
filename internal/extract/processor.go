// Package extract is the default per-unit worker. It runs an external
// decompression executable once for every archive found directly inside a
// work unit's input directory and reports one ResultRecord per archive.
//
// Success is never taken from the executable's exit status. A record
// succeeds only when its artifact exists and is non-empty (see
// types.ResultRecord.Success). A non-zero exit is kept as an error line.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/discovery"
	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"golang.org/x/sync/errgroup"
)

var log = slog.Default()

// Argument template placeholders.
const (
	PlaceholderInput  = "{input}"
	PlaceholderOutput = "{output}"
	PlaceholderOutDir = "{outdir}"
)

// DefaultGrace is how long a killed process may keep its output pipes open.
const DefaultGrace = 5 * time.Second

// cancelledMessage is the explicit failure reason for archives that were
// never run, or were killed, because the request was cancelled.
const cancelledMessage = "cancelled"

// ErrEmptyTemplate is returned by New when no argument template is configured.
var ErrEmptyTemplate = errors.New("extract: empty argument template")

// Config describes how the executable is invoked.
type Config struct {
	Extensions       []string      // archive suffixes, e.g. ".gz"
	Args             []string      // argument template with {input}, {output}, {outdir}
	IgnoreErrorsArgs []string      // appended when a unit ignores errors
	Grace            time.Duration // Cmd.WaitDelay after a kill
}

// DefaultConfig returns a template of "<input> <output>".
func DefaultConfig() Config {
	return Config{
		Extensions:       []string{".gz"},
		Args:             []string{PlaceholderInput, PlaceholderOutput},
		IgnoreErrorsArgs: []string{"--ignore-errors"},
		Grace:            DefaultGrace,
	}
}

// Processor implements worker.UnitProcessor by shelling out once per archive.
type Processor struct {
	cfg Config
	agg *progress.Aggregator
}

// New creates a Processor. agg may be nil.
func New(cfg Config, agg *progress.Aggregator) (*Processor, error) {
	if len(cfg.Args) == 0 {
		return nil, ErrEmptyTemplate
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Processor{cfg: cfg, agg: agg}, nil
}

// Extensions returns the archive suffixes this processor handles.
func (p *Processor) Extensions() []string {
	return p.cfg.Extensions
}

// Process starts extracting every archive of unit and returns the channel
// its records arrive on. The channel is closed once every archive has a record.
func (p *Processor) Process(ctx context.Context, unit types.WorkUnit) <-chan *types.ResultRecord {
	shares := max(unit.SharesAssigned, 1)
	out := make(chan *types.ResultRecord, shares)
	go p.run(ctx, unit, shares, out)
	return out
}

func (p *Processor) run(ctx context.Context, unit types.WorkUnit, shares int, out chan<- *types.ResultRecord) {
	defer close(out)

	if unit.PerUnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, unit.PerUnitTimeout)
		defer cancel()
	}

	archives := discovery.Files(unit.InputDirectory, p.cfg.Extensions)
	if len(archives) == 0 {
		p.info(fmt.Sprintf("no archives left in %s", unit.InputDirectory))
		return
	}

	// per-archive failures land in records, so no goroutine returns an error
	var g errgroup.Group
	g.SetLimit(shares)
	for _, archive := range archives {
		rec := types.NewResultRecord(archive, p.ExpectedOutput(unit, archive))
		if ctx.Err() != nil {
			rec.MarkExplicitFailure(cancelledMessage)
			out <- rec
			continue
		}
		g.Go(func() error {
			p.extract(ctx, unit, rec)
			out <- rec
			return nil
		})
	}
	_ = g.Wait()
}

// ExpectedOutput returns where the artifact for archive is expected:
// <unit output dir>/<prefix><archive name without its extension>.
func (p *Processor) ExpectedOutput(unit types.WorkUnit, archive string) string {
	stem := discovery.TrimExtension(filepath.Base(archive), p.cfg.Extensions)
	return filepath.Join(unit.OutputDirectory, unit.OutputPrefix+stem)
}

// Args expands the argument template for one archive.
func (p *Processor) Args(unit types.WorkUnit, rec *types.ResultRecord) []string {
	r := strings.NewReplacer(
		PlaceholderInput, rec.InputPath,
		PlaceholderOutput, rec.ExpectedOutputPath,
		PlaceholderOutDir, unit.OutputDirectory,
	)
	args := make([]string, 0, len(p.cfg.Args)+len(p.cfg.IgnoreErrorsArgs))
	for _, a := range p.cfg.Args {
		args = append(args, r.Replace(a))
	}
	if unit.IgnoreErrors {
		args = append(args, p.cfg.IgnoreErrorsArgs...)
	}
	return args
}

func (p *Processor) extract(ctx context.Context, unit types.WorkUnit, rec *types.ResultRecord) {
	if ctx.Err() != nil {
		rec.MarkExplicitFailure(cancelledMessage)
		return
	}
	if err := os.MkdirAll(unit.OutputDirectory, 0o755); err != nil {
		rec.MarkExplicitFailure(fmt.Sprintf("create output directory: %v", err))
		p.reportFailure(rec)
		return
	}

	cmd := exec.CommandContext(ctx, unit.ExecutablePath, p.Args(unit, rec)...)
	cmd.Dir = unit.InputDirectory
	cmd.WaitDelay = p.cfg.Grace
	stdout := newLineWriter(rec.AppendOutput)
	stderr := newLineWriter(rec.AppendError)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	switch {
	case err != nil && ctx.Err() != nil:
		rec.MarkExplicitFailure(fmt.Sprintf("%s: %v", cancelledMessage, context.Cause(ctx)))
	case err != nil:
		rec.AppendError(fmt.Sprintf("%s exited: %v", filepath.Base(unit.ExecutablePath), err))
	}

	log.Debug("archive processed",
		"archive", rec.InputPath,
		"output", rec.FinalOutputPath,
		"duration", time.Since(start),
		"exit_error", err)

	if !rec.Success() {
		p.reportFailure(rec)
	}
}

func (p *Processor) reportFailure(rec *types.ResultRecord) {
	if p.agg == nil {
		return
	}
	msg := rec.ErrorMessage()
	if msg == "" {
		msg = "no artifact produced"
	}
	p.agg.Error(fmt.Sprintf("%s: %s", rec.InputPath, firstLine(msg)))
}

func (p *Processor) info(line string) {
	if p.agg != nil {
		p.agg.Info(line)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
