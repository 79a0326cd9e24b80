package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk entry and replay callback
// ============================================================================

import "github.com/ChuLiYu/extract-fanout/pkg/types"

// Entry is one journaled result record.
type Entry struct {
	Seq                uint64   `json:"seq"` // monotonically increasing across reopenings
	InputPath          string   `json:"input_path"`
	ExpectedOutputPath string   `json:"expected_output_path"`
	FinalOutputPath    string   `json:"final_output_path"`
	Success            bool     `json:"success"` // Success() at the moment the entry was written
	ExplicitFailure    bool     `json:"explicit_failure"`
	Bytes              int64    `json:"bytes"`
	ErrorCount         int      `json:"error_count"`
	Errors             []string `json:"errors,omitempty"`
	Timestamp          int64    `json:"timestamp"` // Unix milliseconds
	Checksum           uint32   `json:"checksum"`
}

// entryFrom captures the current state of rec.
func entryFrom(rec *types.ResultRecord) Entry {
	size := rec.ArtifactSize()
	explicit := rec.ExplicitlyFailed()
	return Entry{
		InputPath:          rec.InputPath,
		ExpectedOutputPath: rec.ExpectedOutputPath,
		FinalOutputPath:    rec.FinalOutputPath,
		Success:            !explicit && size > 0,
		ExplicitFailure:    explicit,
		Bytes:              size,
		ErrorCount:         rec.ErrorCount(),
		Errors:             rec.Errors(),
	}
}

// Record rebuilds a ResultRecord from e. Success of the rebuilt record is
// evaluated against the filesystem as it is now, not as it was journaled.
func (e Entry) Record() *types.ResultRecord {
	rec := types.NewResultRecord(e.InputPath, e.ExpectedOutputPath)
	rec.FinalOutputPath = e.FinalOutputPath
	for _, line := range e.Errors {
		rec.AppendError(line)
	}
	if e.ExplicitFailure {
		// blank message: latch only, the reason is already among Errors
		rec.MarkExplicitFailure("")
	}
	return rec
}

// Handler processes one entry during Replay. Returning an error stops the replay.
type Handler func(e Entry) error

// Stats summarises a journal file.
type Stats struct {
	Entries   int    `json:"entries"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Bytes     int64  `json:"bytes"`
	LastSeq   uint64 `json:"last_seq"`
	FileSize  int64  `json:"file_size"`
}
