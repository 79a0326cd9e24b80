// ============================================================================
// extract-fanout CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree, YAML configuration and logging setup
//
// Command Structure:
//   extract-fanout                 # Root command
//   ├── run [ROOT...]              # Extract every eligible leaf under each root
//   ├── status                     # Print the last run summary / query health
//   ├── report                     # Replay the result journal
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version                  # Display version information
//
// Configuration Management:
//   YAML file, see configs/default.yaml. A missing file means defaults.
//   Command flags override the file only when they are set explicitly.
//
// Signal Handling:
//   run cancels the shared context on SIGINT/SIGTERM. Running extractor
//   processes are killed, queued units are skipped, and the summary and
//   journal are still written.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/extract-fanout/internal/controller"
	"github.com/ChuLiYu/extract-fanout/internal/extract"
	"github.com/ChuLiYu/extract-fanout/internal/progress"
	"github.com/ChuLiYu/extract-fanout/internal/storage/journal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

const defaultConfigPath = "configs/default.yaml"

// Config is the complete configuration file.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json
		File   string `yaml:"file"`   // empty means stderr
	} `yaml:"log"`

	Extract struct {
		Executable       string        `yaml:"executable"`
		Extensions       []string      `yaml:"extensions"`
		Args             []string      `yaml:"args"`
		IgnoreErrorsArgs []string      `yaml:"ignore_errors_args"`
		Grace            time.Duration `yaml:"grace"`
	} `yaml:"extract"`

	Controller struct {
		AcceptDelay       time.Duration `yaml:"accept_delay"`
		IdentifierPattern string        `yaml:"identifier_pattern"`
		Budget            int           `yaml:"budget"`
		QueueSize         int           `yaml:"queue_size"`
	} `yaml:"controller"`

	Request struct {
		Roots        []string      `yaml:"roots"`
		Output       string        `yaml:"output"`
		Prefix       string        `yaml:"prefix"`
		Filter       string        `yaml:"filter"`
		Timeout      time.Duration `yaml:"timeout"`
		IgnoreErrors bool          `yaml:"ignore_errors"`
	} `yaml:"request"`

	Journal struct {
		Path          string        `yaml:"path"` // empty disables the journal
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"journal"`

	Summary struct {
		Path        string `yaml:"path"` // empty disables the summary
		KeepBackups int    `yaml:"keep_backups"`
	} `yaml:"summary"`

	Progress struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"progress"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"health"`
}

// defaultConfig mirrors configs/default.yaml.
func defaultConfig() *Config {
	var cfg Config
	ext := extract.DefaultConfig()

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Extract.Extensions = ext.Extensions
	cfg.Extract.Args = ext.Args
	cfg.Extract.IgnoreErrorsArgs = ext.IgnoreErrorsArgs
	cfg.Extract.Grace = ext.Grace
	cfg.Controller.AcceptDelay = controller.DefaultAcceptDelay
	cfg.Controller.IdentifierPattern = controller.DefaultIdentifierPattern
	cfg.Controller.QueueSize = 64
	cfg.Request.Prefix = "none"
	cfg.Journal.Path = filepath.Join("state", "results.jsonl")
	cfg.Journal.BufferSize = journal.DefaultBufferSize
	cfg.Journal.FlushInterval = journal.DefaultFlushInterval
	cfg.Summary.Path = filepath.Join("state", "summary.json")
	cfg.Summary.KeepBackups = 5
	cfg.Progress.Interval = progress.DefaultInterval
	cfg.Metrics.Addr = ":9090"
	cfg.Health.Addr = ":50051"
	return &cfg
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// state is shared by the subcommands of one BuildCLI tree.
type state struct {
	configFile string
	cfg        *Config
	logger     *slog.Logger
	logCloser  io.Closer
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	st := &state{}

	rootCmd := &cobra.Command{
		Use:   "extract-fanout",
		Short: "Parallel batch extraction over directory trees",
		Long: `extract-fanout discovers leaf directories under one or more roots and
runs an external decompressor over every archive they contain, spreading a
fixed concurrency budget across parallel worker streams.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(st.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			st.cfg = cfg
			return st.setupLogging(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if st.logCloser != nil {
				return st.logCloser.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&st.configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand(st))
	rootCmd.AddCommand(buildStatusCommand(st))
	rootCmd.AddCommand(buildReportCommand(st))

	return rootCmd
}

// setupLogging installs the configured slog handler as the default logger.
func (st *state) setupLogging(stderr io.Writer) error {
	level, err := parseLevel(st.cfg.Log.Level)
	if err != nil {
		return err
	}

	w := stderr
	if st.cfg.Log.File != "" {
		if dir := filepath.Dir(st.cfg.Log.File); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(st.cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		st.logCloser = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(st.cfg.Log.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", st.cfg.Log.Format)
	}

	st.logger = slog.New(handler)
	slog.SetDefault(st.logger)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
