package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates an entry whose checksum does not match its fields.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrCorruptedJournal indicates a line that is not a valid entry.
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrJournalClosed indicates an operation on a closed journal.
	ErrJournalClosed = errors.New("journal: already closed")
)

// ChecksumError reports which entry failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports an undecodable line.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted entry at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedJournal
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
