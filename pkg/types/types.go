// Package types defines the core domain model shared by the extract-fanout pipeline.
package types

import (
	"time"
)

// RequestID identifies one submitted root request.
type RequestID string

// OutputPrefixPolicy decides how produced artifacts are named.
type OutputPrefixPolicy string

const (
	PrefixNone       OutputPrefixPolicy = "none"       // artifact keeps the input file stem
	PrefixIdentifier OutputPrefixPolicy = "identifier" // artifact is prefixed with the extracted identifier
	PrefixDirectory  OutputPrefixPolicy = "directory"  // artifact is prefixed with the leaf directory name
)

// Valid reports whether p is one of the known policies. The empty policy is
// treated as PrefixNone.
func (p OutputPrefixPolicy) Valid() bool {
	switch p {
	case "", PrefixNone, PrefixIdentifier, PrefixDirectory:
		return true
	}
	return false
}

// RootRequest asks the controller to process every eligible leaf directory
// under RootDirectory. It is immutable once the controller has validated it.
type RootRequest struct {
	ID                 RequestID          `json:"id" yaml:"id"`
	RootDirectory      string             `json:"root_directory" yaml:"root_directory"`
	OutputDirectory    string             `json:"output_directory" yaml:"output_directory"`
	OutputPrefixPolicy OutputPrefixPolicy `json:"output_prefix_policy" yaml:"output_prefix_policy"`
	ExecutablePath     string             `json:"executable_path" yaml:"executable_path"`
	IgnoreErrors       bool               `json:"ignore_errors" yaml:"ignore_errors"`
	Timeout            time.Duration      `json:"timeout" yaml:"timeout"` // zero means no timeout
	TotalBudget        int                `json:"total_budget" yaml:"total_budget"`
	NameFilter         string             `json:"name_filter,omitempty" yaml:"name_filter"`
}

// WorkUnit is one directory-scoped chunk of work handed to exactly one worker stream.
type WorkUnit struct {
	RequestID       RequestID     `json:"request_id"`
	InputDirectory  string        `json:"input_directory"`
	OutputDirectory string        `json:"output_directory"`
	Identifier      string        `json:"identifier"`
	OutputPrefix    string        `json:"output_prefix,omitempty"`
	ExecutablePath  string        `json:"executable_path"`
	IgnoreErrors    bool          `json:"ignore_errors"`
	PerUnitTimeout  time.Duration `json:"per_unit_timeout"`
	SharesAssigned  int           `json:"shares_assigned"` // always >= 1
}

// ProgressSnapshot is an immutable copy of the progress counters taken at one instant.
type ProgressSnapshot struct {
	UnitsFound     int64         `json:"units_found"`
	UnitsSucceeded int64         `json:"units_succeeded"` // successful result records
	UnitsFailed    int64         `json:"units_failed"`    // failed result records
	UnitsCompleted int64         `json:"units_completed"` // work units whose worker finished
	UnitsDropped   int64         `json:"units_dropped"`   // work units that failed derivation
	UnitsSkipped   int64         `json:"units_skipped"`   // work units never started because the request was cancelled
	RequestsFailed int64         `json:"requests_failed"`
	BytesProduced  int64         `json:"bytes_produced"`
	Streams        int64         `json:"streams"`
	Elapsed        time.Duration `json:"elapsed"`
	PeakMemory     uint64        `json:"peak_memory"`
}

// Allocation is the outcome of sizing the worker pool for one request.
type Allocation struct {
	Streams         int `json:"streams"`
	SharesPerStream int `json:"shares_per_stream"`
}

// RequestSummary records what happened to one request during a run.
type RequestSummary struct {
	ID         RequestID  `json:"id"`
	Root       string     `json:"root"`
	Output     string     `json:"output"`
	Units      int        `json:"units"`
	Allocation Allocation `json:"allocation"`
	Error      string     `json:"error,omitempty"`
}

// RunSummary is persisted at the end of a run so later commands can report on it.
type RunSummary struct {
	SchemaVer  int              `json:"schema_ver"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Requests   []RequestSummary `json:"requests"`
	Progress   ProgressSnapshot `json:"progress"`
	Journal    string           `json:"journal,omitempty"`
}
