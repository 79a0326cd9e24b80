package types

import (
	"os"
	"strings"
	"sync"
)

// ResultRecord captures the outcome of processing one input file.
//
// The worker that creates a record owns it until it is sent downstream;
// afterwards it is only read. Success is never stored: every call to
// Success checks the filesystem again, so two reads can disagree if the
// artifact is removed in between.
type ResultRecord struct {
	InputPath          string `json:"input_path"`
	ExpectedOutputPath string `json:"expected_output_path"`
	FinalOutputPath    string `json:"final_output_path"`

	mu             sync.RWMutex
	explicitFailed bool
	output         []string
	errors         []string
	errorCount     int
}

// NewResultRecord creates a record for inputPath whose artifact is expected at expectedOutput.
func NewResultRecord(inputPath, expectedOutput string) *ResultRecord {
	return &ResultRecord{
		InputPath:          inputPath,
		ExpectedOutputPath: expectedOutput,
		FinalOutputPath:    expectedOutput,
	}
}

// AppendOutput records one line of process output. Blank lines are ignored.
func (r *ResultRecord) AppendOutput(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	r.mu.Lock()
	r.output = append(r.output, line)
	r.mu.Unlock()
}

// AppendError records one error line and bumps the error count. Blank lines are ignored.
func (r *ResultRecord) AppendError(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	r.mu.Lock()
	r.errors = append(r.errors, line)
	r.errorCount++
	r.mu.Unlock()
}

// MarkExplicitFailure latches the record as failed. The latch can't be undone.
func (r *ResultRecord) MarkExplicitFailure(message string) {
	r.mu.Lock()
	r.explicitFailed = true
	r.mu.Unlock()
	r.AppendError(message)
}

// ExplicitlyFailed reports whether MarkExplicitFailure has been called.
func (r *ResultRecord) ExplicitlyFailed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.explicitFailed
}

// Success reports whether the record is not explicitly failed and its final
// artifact currently exists with a non-zero length.
func (r *ResultRecord) Success() bool {
	if r.ExplicitlyFailed() {
		return false
	}
	return r.ArtifactSize() > 0
}

// ArtifactSize returns the current size of the final artifact, or 0 when it is missing.
func (r *ResultRecord) ArtifactSize() int64 {
	if r.FinalOutputPath == "" {
		return 0
	}
	info, err := os.Stat(r.FinalOutputPath)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return info.Size()
}

// Output returns a copy of the recorded output lines.
func (r *ResultRecord) Output() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.output...)
}

// Errors returns a copy of the recorded error lines.
func (r *ResultRecord) Errors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.errors...)
}

// ErrorCount returns how many error lines were recorded.
func (r *ResultRecord) ErrorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errorCount
}

// OutputMessage joins the output lines.
func (r *ResultRecord) OutputMessage() string {
	return strings.Join(r.Output(), "\n")
}

// ErrorMessage joins the error lines.
func (r *ResultRecord) ErrorMessage() string {
	return strings.Join(r.Errors(), "\n")
}
