package snapshot

// ============================================================================
// Run Summary Snapshots
// Responsibilities:
// 1. Persist the summary of a finished run as a single JSON document
// 2. Write atomically (temp file + rename) so readers never see a partial file
// 3. Validate the schema version on load
// 4. Optionally keep a bounded number of timestamped backups
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
)

// SchemaVersion is the only summary layout Load accepts.
const SchemaVersion = 1

const backupLayout = "20060102_150405.000000000"

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager reads and writes the run summary at one path.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager creates a Manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write atomically replaces the summary file with data. SchemaVer is forced
// to SchemaVersion.
func (m *Manager) Write(data types.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.RunSummary) error {
	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the summary. A missing file yields ErrSnapshotNotFound.
func (m *Manager) Load() (types.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.RunSummary
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Exists reports whether the summary file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the summary file path.
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup renames the current summary to a timestamped backup, writes
// data, and prunes all but the newest keepBackups backups. keepBackups <= 0
// keeps every backup.
func (m *Manager) WriteWithBackup(data types.RunSummary, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := m.path + "." + m.now().Format(backupLayout)
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(data); err != nil {
		return err
	}
	if keepBackups <= 0 {
		return nil
	}
	return m.pruneLocked(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupsLocked()
}

func (m *Manager) backupsLocked() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := slices.DeleteFunc(matches, func(p string) bool {
		return strings.HasSuffix(p, ".tmp")
	})
	// timestamp layout sorts lexically
	slices.Sort(backups)
	return backups, nil
}

func (m *Manager) pruneLocked(keep int) error {
	backups, err := m.backupsLocked()
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	var errs []error
	for _, p := range backups[:len(backups)-keep] {
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
