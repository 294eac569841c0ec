// Package resume implements the single-file crash-safe checkpoint
// (C3): a key=value record capturing a partitioning run's origin,
// progress, and current shard pointer.
package resume

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrResumeIO wraps any failure to read or write the resume file.
var ErrResumeIO = errors.New("resume: io error")

// Record is the resume checkpoint, field names matching the file's
// key=value schema exactly.
type Record struct {
	OriginalStart      string // hex
	OriginalRangeBits  int
	Address            string
	NextStartHex       string
	BatchesGenerated   uint64
	TotalBatches       uint64
	Timestamp          string
	CurrentBatchFile   string
	CurrentBatchIndex  int
	RunID              string // additional key beyond the base schema; readers that do not know it skip it
}

// NewRunID mints a fresh run identifier for a partitioning run that
// starts at batch id 0; continuations carry the prior run's id forward.
func NewRunID() string {
	return uuid.NewString()
}

// Store manages the resume file at Path.
type Store struct {
	Path string
}

// New builds a Store for the resume file at path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Save serializes rec to the resume file. Callers are responsible for
// invoking the mirror sink afterward; Save itself does not.
func (s *Store) Save(rec Record) error {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	lock := flock.New(s.Path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: locking %s: %v", ErrResumeIO, s.Path, err)
	}
	defer lock.Unlock()

	tmp := s.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrResumeIO, tmp, err)
	}
	w := bufio.NewWriter(f)
	kv := [][2]string{
		{"original_start", rec.OriginalStart},
		{"original_range_bits", strconv.Itoa(rec.OriginalRangeBits)},
		{"address", rec.Address},
		{"next_start_hex", rec.NextStartHex},
		{"batches_generated", strconv.FormatUint(rec.BatchesGenerated, 10)},
		{"total_batches", strconv.FormatUint(rec.TotalBatches, 10)},
		{"timestamp", rec.Timestamp},
		{"current_batch_file", rec.CurrentBatchFile},
		{"current_batch_index", strconv.Itoa(rec.CurrentBatchIndex)},
		{"run_id", rec.RunID},
	}
	for _, pair := range kv {
		fmt.Fprintf(w, "%s=%s\n", pair[0], pair[1])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: writing %s: %v", ErrResumeIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: closing %s: %v", ErrResumeIO, tmp, err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrResumeIO, tmp, s.Path, err)
	}
	return nil
}

// Load parses the resume file. ok is false when the file is absent,
// which is not itself an error.
func (s *Store) Load() (rec Record, ok bool, err error) {
	f, err := os.Open(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: opening %s: %v", ErrResumeIO, s.Path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	kv := make(map[string]string)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue // unknown/malformed lines are ignored, not fatal
		}
		kv[parts[0]] = parts[1]
	}
	if err := sc.Err(); err != nil {
		return Record{}, false, fmt.Errorf("%w: scanning %s: %v", ErrResumeIO, s.Path, err)
	}

	rec = Record{
		OriginalStart:     kv["original_start"],
		Address:           kv["address"],
		NextStartHex:      kv["next_start_hex"],
		Timestamp:         kv["timestamp"],
		CurrentBatchFile:  kv["current_batch_file"],
		RunID:             kv["run_id"],
	}
	rec.OriginalRangeBits, _ = strconv.Atoi(kv["original_range_bits"])
	rec.BatchesGenerated, _ = strconv.ParseUint(kv["batches_generated"], 10, 64)
	rec.TotalBatches, _ = strconv.ParseUint(kv["total_batches"], 10, 64)
	rec.CurrentBatchIndex, _ = strconv.Atoi(kv["current_batch_index"])
	return rec, true, nil
}

// Clear removes the resume file once partitioning is complete. A
// missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %v", ErrResumeIO, s.Path, err)
	}
	return nil
}
