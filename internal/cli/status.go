package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/internal/server"
	"github.com/ChuLiYu/extract-fanout/internal/snapshot"
	"github.com/ChuLiYu/extract-fanout/internal/storage/journal"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
)

func buildStatusCommand(st *state) *cobra.Command {
	var (
		summaryPath string
		addr        string
		service     string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last run status",
		Long: `Print the summary written by the last run. With --addr, ask a running
instance for its gRPC health status instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				return showHealth(ctx, cmd.OutOrStdout(), addr, service)
			}
			if summaryPath == "" {
				summaryPath = st.cfg.Summary.Path
			}
			summary, err := snapshot.NewManager(summaryPath).Load()
			if err != nil {
				return err
			}
			renderSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&summaryPath, "summary", "", "run summary path (defaults to summary.path)")
	cmd.Flags().StringVar(&addr, "addr", "", "query gRPC health at this address")
	cmd.Flags().StringVar(&service, "service", server.ServiceName, "health service name")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "health query timeout")
	return cmd
}

func showHealth(ctx context.Context, w io.Writer, addr, service string) error {
	resp, err := server.Check(ctx, addr, service)
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to render health response: %w", err)
	}
	fmt.Fprintln(w, string(out))
	return nil
}

// renderSummary prints a RunSummary. Styling degrades to plain text when w
// is not a terminal.
func renderSummary(w io.Writer, s types.RunSummary) {
	r := lipgloss.NewRenderer(w)
	title := r.NewStyle().Bold(true)
	bad := r.NewStyle().Foreground(lipgloss.Color("9"))
	p := s.Progress

	fmt.Fprintln(w, title.Render("Run summary"))
	fmt.Fprintf(w, "  finished   %s (took %s)\n",
		s.FinishedAt.Format(time.RFC3339), s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	if s.Journal != "" {
		fmt.Fprintf(w, "  journal    %s\n", s.Journal)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("REQUEST", "ROOT", "UNITS", "STREAMS", "SHARES", "ERROR")
	for _, req := range s.Requests {
		t.Row(string(req.ID), req.Root,
			strconv.Itoa(req.Units),
			strconv.Itoa(req.Allocation.Streams),
			strconv.Itoa(req.Allocation.SharesPerStream),
			req.Error)
	}
	fmt.Fprintln(w, t.String())

	failed := fmt.Sprintf("%d failed", p.UnitsFailed)
	if p.UnitsFailed > 0 {
		failed = bad.Render(failed)
	}
	fmt.Fprintf(w, "  units      %d found, %d completed, %d dropped, %d skipped\n",
		p.UnitsFound, p.UnitsCompleted, p.UnitsDropped, p.UnitsSkipped)
	fmt.Fprintf(w, "  records    %d succeeded, %s\n", p.UnitsSucceeded, failed)
	fmt.Fprintf(w, "  requests   %d failed\n", p.RequestsFailed)
	fmt.Fprintf(w, "  produced   %s, peak memory %s\n",
		progress.FormatBytes(p.BytesProduced), progress.FormatBytes(int64(p.PeakMemory)))
}

func buildReportCommand(st *state) *cobra.Command {
	var (
		journalPath string
		failedOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Replay the result journal",
		Long: `Replay every journaled record and print its status. Success is evaluated
again against the filesystem, so artifacts removed since the run show up as
changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" {
				journalPath = st.cfg.Journal.Path
			}
			return report(cmd.OutOrStdout(), journalPath, failedOnly)
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "journal path (defaults to journal.path)")
	cmd.Flags().BoolVar(&failedOnly, "failed-only", false, "only print records that are not successful now")
	return cmd
}

// reportTotals counts records by their current status.
type reportTotals struct {
	Entries   int
	Succeeded int
	Failed    int
	Changed   int // success differs from the journaled value
}

func report(w io.Writer, path string, failedOnly bool) error {
	stats, err := journal.ReadStats(path)
	if err != nil {
		return err
	}

	r := lipgloss.NewRenderer(w)
	okStyle := r.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle := r.NewStyle().Foreground(lipgloss.Color("9"))
	dim := r.NewStyle().Faint(true)

	fmt.Fprintf(w, "%s  %s, %d entries, last seq %d\n",
		r.NewStyle().Bold(true).Render("Journal"), progress.FormatBytes(stats.FileSize), stats.Entries, stats.LastSeq)

	var totals reportTotals
	err = journal.Replay(path, func(e journal.Entry) error {
		rec := e.Record()
		now := rec.Success()

		totals.Entries++
		if now {
			totals.Succeeded++
		} else {
			totals.Failed++
		}
		changed := now != e.Success
		if changed {
			totals.Changed++
		}
		if failedOnly && now {
			return nil
		}

		mark := okStyle.Render("OK  ")
		if !now {
			mark = failStyle.Render("FAIL")
		}
		line := fmt.Sprintf("%s %6d  %s -> %s", mark, e.Seq, e.InputPath, e.FinalOutputPath)
		if changed {
			line += dim.Render("  (changed since run)")
		}
		if !now && len(e.Errors) > 0 {
			line += "\n       " + dim.Render(e.Errors[len(e.Errors)-1])
		}
		fmt.Fprintln(w, line)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d records: %d succeeded, %d failed, %d changed since run\n",
		totals.Entries, totals.Succeeded, totals.Failed, totals.Changed)
	return nil
}
