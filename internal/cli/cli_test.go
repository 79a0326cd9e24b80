package cli

import (
	"bytes"
	"context"
	stdlog "log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/server"
	"github.com/ChuLiYu/extract-fanout/internal/snapshot"
	"github.com/ChuLiYu/extract-fanout/internal/storage/journal"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const fakeExtractor = `#!/bin/sh
case "$1" in
*bad*)
	echo "corrupt archive" >&2
	exit 2
	;;
esac
cat "$1" > "$2"
`

type fixture struct {
	dir     string
	config  string
	root    string
	output  string
	exe     string
	journal string
	summary string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		config:  filepath.Join(dir, "config.yaml"),
		root:    filepath.Join(dir, "in"),
		output:  filepath.Join(dir, "out"),
		exe:     filepath.Join(dir, "fake-extract"),
		journal: filepath.Join(dir, "state", "results.jsonl"),
		summary: filepath.Join(dir, "state", "summary.json"),
	}
	require.NoError(t, os.WriteFile(f.exe, []byte(fakeExtractor), 0o755))

	config := `
log:
  level: debug
controller:
  accept_delay: -1ns
  budget: 4
progress:
  interval: 10ms
journal:
  path: ` + f.journal + `
summary:
  path: ` + f.summary + `
`
	require.NoError(t, os.WriteFile(f.config, []byte(config), 0o644))
	return f
}

func (f *fixture) archive(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// lockedBuffer is written by background servers logging through the
// default logger while the test reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execute runs the CLI with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	prev := slog.Default()
	// slog.SetDefault redirects the standard logger, and restoring the
	// previous default does not undo that
	prevOut, prevFlags := stdlog.Writer(), stdlog.Flags()
	defer func() {
		slog.SetDefault(prev)
		stdlog.SetOutput(prevOut)
		stdlog.SetFlags(prevFlags)
	}()

	var stdout, stderr lockedBuffer
	cmd := BuildCLI()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (f *fixture) run(t *testing.T, extra ...string) (string, string, error) {
	t.Helper()
	args := append([]string{"--config", f.config, "run", f.root, "--output", f.output, "--exe", f.exe}, extra...)
	return execute(t, args...)
}

// ============================================================================
// Command Tree
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "extract-fanout", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])
	assert.True(t, names["report"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

// ============================================================================
// Configuration
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log:
  level: warn
  format: json
extract:
  executable: gunzip
  extensions: [".gz", ".z"]
  args: ["-c", "{input}"]
  grace: 2s
controller:
  accept_delay: 100ms
  budget: 12
request:
  roots: ["/data/a", "/data/b"]
  output: /data/out
  prefix: identifier
  timeout: 1m
  ignore_errors: true
journal:
  buffer_size: 10
metrics:
  enabled: true
  addr: ":9100"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "gunzip", cfg.Extract.Executable)
	assert.Equal(t, []string{".gz", ".z"}, cfg.Extract.Extensions)
	assert.Equal(t, []string{"-c", "{input}"}, cfg.Extract.Args)
	assert.Equal(t, 2*time.Second, cfg.Extract.Grace)
	assert.Equal(t, 100*time.Millisecond, cfg.Controller.AcceptDelay)
	assert.Equal(t, 12, cfg.Controller.Budget)
	assert.Equal(t, []string{"/data/a", "/data/b"}, cfg.Request.Roots)
	assert.Equal(t, "identifier", cfg.Request.Prefix)
	assert.Equal(t, time.Minute, cfg.Request.Timeout)
	assert.True(t, cfg.Request.IgnoreErrors)
	assert.Equal(t, 10, cfg.Journal.BufferSize)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)

	// untouched sections keep their defaults
	assert.Equal(t, []string{"--ignore-errors"}, cfg.Extract.IgnoreErrorsArgs)
	assert.Equal(t, journal.DefaultFlushInterval, cfg.Journal.FlushInterval)
	assert.Equal(t, 5, cfg.Summary.KeepBackups)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("controller: [unclosed"), 0o644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestDefaultConfigFileMatchesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("chatty")
	assert.Error(t, err)
}

func TestUnknownLogFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644))

	_, _, err := execute(t, "--config", path, "status")
	assert.ErrorContains(t, err, "unknown log format")
}

func TestLogFile(t *testing.T) {
	f := newFixture(t)
	f.archive(t, "A/SN001/one.gz", "hello")
	logFile := filepath.Join(f.dir, "logs", "run.log")
	cfg, err := os.ReadFile(f.config)
	require.NoError(t, err)
	cfg = bytes.Replace(cfg, []byte("  level: debug\n"), []byte("  level: debug\n  format: json\n  file: "+logFile+"\n"), 1)
	require.NoError(t, os.WriteFile(f.config, cfg, 0o644))

	_, _, err = f.run(t)
	require.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Run finished"`)
}

func TestApplyRunFlags(t *testing.T) {
	cmd := buildRunCommand(&state{})
	require.NoError(t, cmd.ParseFlags([]string{
		"--output", "/out", "--budget", "8", "--timeout", "30s",
		"--ignore-errors", "--prefix", "directory", "--metrics-addr", ":9200",
	}))

	cfg := defaultConfig()
	cfg.Request.Filter = "SN"
	require.NoError(t, applyRunFlags(cmd, cfg))

	assert.Equal(t, "/out", cfg.Request.Output)
	assert.Equal(t, 8, cfg.Controller.Budget)
	assert.Equal(t, 30*time.Second, cfg.Request.Timeout)
	assert.True(t, cfg.Request.IgnoreErrors)
	assert.Equal(t, "directory", cfg.Request.Prefix)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.Addr)
	assert.Equal(t, "SN", cfg.Request.Filter, "unset flags keep config values")
	assert.False(t, cfg.Health.Enabled)
}

func TestRequests(t *testing.T) {
	cfg := defaultConfig()
	cfg.Request.Roots = []string{"/a", "/b"}
	cfg.Request.Output = "/out"
	cfg.Request.Prefix = "identifier"
	cfg.Extract.Executable = "unpack"
	cfg.Controller.Budget = 6

	reqs := requests(cfg)
	require.Len(t, reqs, 2)
	assert.Equal(t, "/b", reqs[1].RootDirectory)
	assert.Equal(t, types.PrefixIdentifier, reqs[0].OutputPrefixPolicy)
	assert.Equal(t, 6, reqs[0].TotalBudget)
	assert.Equal(t, "unpack", reqs[0].ExecutablePath)
}

// ============================================================================
// run / status / report
// ============================================================================

func TestRunStatusReport(t *testing.T) {
	f := newFixture(t)
	f.archive(t, "A/SN001/one.gz", "first")
	f.archive(t, "A/SN001/two.gz", "second")
	f.archive(t, "B/SN002/readme.txt", "not an archive")
	f.archive(t, "C/SN003X/three.gz", "third")

	stdout, stderr, err := f.run(t, "--prefix", "identifier")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "Run summary")
	assert.Contains(t, stdout, "3 succeeded, 0 failed")

	data, err := os.ReadFile(filepath.Join(f.output, "A", "SN001", "SN001_one"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	assert.FileExists(t, filepath.Join(f.output, "C", "SN003X", "SN003X_three"))

	summary, err := snapshot.NewManager(f.summary).Load()
	require.NoError(t, err)
	require.Len(t, summary.Requests, 1)
	assert.Equal(t, 2, summary.Requests[0].Units, "B/SN002 holds no archives")
	assert.Equal(t, int64(3), summary.Progress.UnitsSucceeded)
	assert.Equal(t, f.journal, summary.Journal)

	stats, err := journal.ReadStats(f.journal)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 3, stats.Succeeded)

	stdout, _, err = execute(t, "--config", f.config, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, summary.Requests[0].Root)
	assert.Contains(t, stdout, "2 found, 2 completed, 0 dropped, 0 skipped")

	// an artifact removed after the run shows up as changed
	require.NoError(t, os.Remove(filepath.Join(f.output, "A", "SN001", "SN001_two")))
	stdout, _, err = execute(t, "--config", f.config, "report")
	require.NoError(t, err)
	assert.Contains(t, stdout, "3 entries")
	assert.Contains(t, stdout, "3 records: 2 succeeded, 1 failed, 1 changed since run")
	assert.Contains(t, stdout, "(changed since run)")

	stdout, _, err = execute(t, "--config", f.config, "report", "--failed-only")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(stdout, "FAIL"))
	assert.NotContains(t, stdout, "OK  ")
}

func TestRunFailOnError(t *testing.T) {
	f := newFixture(t)
	f.archive(t, "SN001/good.gz", "fine")
	f.archive(t, "SN001/bad.gz", "broken")

	stdout, _, err := f.run(t)
	require.NoError(t, err, "failures alone do not fail the command")
	assert.Contains(t, stdout, "1 succeeded, 1 failed")

	_, _, err = f.run(t, "--fail-on-error")
	assert.ErrorIs(t, err, ErrRecordsFailed)

	// the journal keeps appending across runs
	stats, err := journal.ReadStats(f.journal)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Entries)
	assert.Equal(t, uint64(4), stats.LastSeq)

	backups, err := snapshot.NewManager(f.summary).Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRunInvalidRequestFailsWithFlag(t *testing.T) {
	f := newFixture(t)
	f.archive(t, "SN001/one.gz", "x")

	_, _, err := execute(t, "--config", f.config, "run", filepath.Join(f.dir, "missing"),
		"--output", f.output, "--exe", f.exe, "--fail-on-error")
	assert.ErrorIs(t, err, ErrRecordsFailed)

	summary, err := snapshot.NewManager(f.summary).Load()
	require.NoError(t, err)
	require.Len(t, summary.Requests, 1)
	assert.NotEmpty(t, summary.Requests[0].Error)
	assert.Equal(t, int64(1), summary.Progress.RequestsFailed)
}

func TestRunNoRoots(t *testing.T) {
	f := newFixture(t)
	_, _, err := execute(t, "--config", f.config, "run", "--output", f.output, "--exe", f.exe)
	assert.ErrorIs(t, err, ErrNoRoots)
}

func TestRunWithServices(t *testing.T) {
	f := newFixture(t)
	f.archive(t, "SN001/one.gz", "x")

	_, stderr, err := f.run(t, "--metrics-addr", "127.0.0.1:0", "--health-addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Metrics server listening")
	assert.Contains(t, stderr, "Health server listening")
}

func TestRunDisabledJournalAndSummary(t *testing.T) {
	f := newFixture(t)
	f.archive(t, "SN001/one.gz", "x")

	_, _, err := f.run(t, "--journal", "", "--summary", "")
	require.NoError(t, err)
	assert.NoFileExists(t, f.journal)
	assert.NoFileExists(t, f.summary)
}

func TestStatusMissingSummary(t *testing.T) {
	f := newFixture(t)
	_, _, err := execute(t, "--config", f.config, "status")
	assert.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

func TestReportMissingJournal(t *testing.T) {
	f := newFixture(t)
	_, _, err := execute(t, "--config", f.config, "report")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type alwaysReady struct{}

func (alwaysReady) Ready() bool { return true }

func TestStatusHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.New(alwaysReady{}).Serve(ctx, lis) }()
	defer func() {
		cancel()
		<-done
	}()

	stdout, _, err := execute(t, "status", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--addr", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, stdout, `"SERVING"`)
}
