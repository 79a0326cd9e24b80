// Package journal keeps an append-only JSON-lines log of emitted result
// records so a finished run can be reported on later.
//
// Every entry carries a sequence number and a CRC32 checksum. Writes are
// buffered and flushed when the buffer fills, when the flush interval has
// passed or on Flush/Close. Reopening an existing file continues its
// sequence.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
)

var log = slog.Default()

const (
	// DefaultBufferSize is the number of entries held before a forced flush.
	DefaultBufferSize = 256

	// DefaultFlushInterval bounds how long an entry may stay buffered.
	DefaultFlushInterval = time.Second
)

// File is the subset of *os.File the journal writes through.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Journal is an open journal file.
type Journal struct {
	mu      sync.Mutex
	file    File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	buffer        []Entry
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	now           func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithBufferSize sets how many entries are buffered before a flush.
func WithBufferSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.bufferSize = n
		}
	}
}

// WithFlushInterval sets the longest time an entry stays buffered.
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.flushInterval = d
		}
	}
}

// Open creates or opens the journal at path in append mode.
func Open(path string, opts ...Option) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create directory: %w", err)
		}
	}

	var seq uint64
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := LastSeq(path)
		if err != nil {
			return nil, err
		}
		seq = last
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := newJournal(file, path, seq, opts...)
	log.Debug("Journal opened", "path", path, "seq", seq)
	return j, nil
}

func newJournal(file File, path string, seq uint64, opts ...Option) *Journal {
	j := &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		bufferSize:    DefaultBufferSize,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.buffer = make([]Entry, 0, j.bufferSize)
	j.lastFlushTime = j.now()
	return j
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Seq returns the sequence number of the last appended entry.
func (j *Journal) Seq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Append journals the current state of rec and returns its entry.
func (j *Journal) Append(rec *types.ResultRecord) (Entry, error) {
	if rec == nil {
		return Entry{}, errors.New("journal: nil record")
	}
	e := entryFrom(rec)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Entry{}, ErrJournalClosed
	}

	j.seq++
	e.Seq = j.seq
	e.Timestamp = j.now().UnixMilli()
	e.Checksum = CalculateChecksum(e)
	j.buffer = append(j.buffer, e)

	if len(j.buffer) >= j.bufferSize || j.now().Sub(j.lastFlushTime) > j.flushInterval {
		if err := j.flushLocked(); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Flush writes buffered entries and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Close flushes and closes the journal. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	closeErr := j.file.Close()
	return errors.Join(flushErr, closeErr)
}

// Replay flushes pending entries and passes every entry of the file to handler.
func (j *Journal) Replay(handler Handler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return Replay(j.path, handler)
}

// flushLocked requires j.mu.
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			return fmt.Errorf("journal: write seq %d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = j.now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// Replay reads the journal at path from the start, verifies each entry and
// passes it to handler. It stops at the first invalid entry or handler error.
func Replay(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for line := 1; decoder.More(); line++ {
		var e Entry
		if err := decoder.Decode(&e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(e); e.Checksum != expected {
			return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return nil
}

// LastSeq returns the sequence number of the last entry at path.
func LastSeq(path string) (uint64, error) {
	var last uint64
	err := Replay(path, func(e Entry) error {
		last = e.Seq
		return nil
	})
	return last, err
}

// ReadStats replays the journal at path and summarises it.
func ReadStats(path string) (Stats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stats{}, fmt.Errorf("journal: stat %s: %w", path, err)
	}
	stats := Stats{FileSize: info.Size()}
	err = Replay(path, func(e Entry) error {
		stats.Entries++
		if e.Success {
			stats.Succeeded++
			stats.Bytes += e.Bytes
		} else {
			stats.Failed++
		}
		stats.LastSeq = e.Seq
		return nil
	})
	return stats, err
}
