// Package catalog implements the sharded, append-only batch catalog
// (C2): generated_batches_NNN.txt files holding (id, start_hex,
// end_hex) rows, atomic shard writes, rollover, and a merged read of
// the full catalog.
package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/gofrs/flock"

	"github.com/gualgeol/xiebo-coordinator/internal/batch"
)

// ErrShardIO wraps any failure to read or write a shard file.
var ErrShardIO = errors.New("catalog: shard io error")

const (
	shardPrefix     = "generated_batches_"
	shardSuffix     = ".txt"
	shardHeader     = "batch_id|start_hex|end_hex"
	rolloverMaxSize = 10 * 1024 * 1024 // 10 MiB
	rolloverMaxRows = 10000
)

// Row is one catalog entry, the (id, start_hex, end_hex) triple.
type Row struct {
	ID    uint64
	Start string
	End   string
}

// Store manages the shard files under Dir.
type Store struct {
	Dir string

	mu    sync.Mutex // serializes writes, per §4.2 "catalog-wide mutex"
	cache *fastcache.Cache
}

// New creates a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{
		Dir:   dir,
		cache: fastcache.New(32 * 1024 * 1024),
	}
}

func (s *Store) shardPath(index int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%03d%s", shardPrefix, index, shardSuffix))
}

// CurrentShard returns the path of the highest-indexed existing shard,
// or the path at index 1 if none exists yet.
func (s *Store) CurrentShard() (string, int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading %s: %v", ErrShardIO, s.Dir, err)
	}
	best := 0
	for _, e := range entries {
		if idx, ok := shardIndex(e.Name()); ok && idx > best {
			best = idx
		}
	}
	if best == 0 {
		return s.shardPath(1), 1, nil
	}
	return s.shardPath(best), best, nil
}

// NextShard returns the path and index of the first shard slot that
// does not yet exist.
func (s *Store) NextShard() (string, int, error) {
	_, cur, err := s.CurrentShard()
	if err != nil {
		return "", 0, err
	}
	idx := cur
	for {
		p := s.shardPath(idx)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, idx, nil
		}
		idx++
	}
}

func shardIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, shardPrefix) || !strings.HasSuffix(name, shardSuffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, shardPrefix), shardSuffix)
	n, err := strconv.Atoi(mid)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ShouldRollover reports whether writing incomingCount more rows to the
// shard at path would exceed the size or row-count thresholds.
func (s *Store) ShouldRollover(path string, incomingCount int) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", ErrShardIO, path, err)
	}
	if info.Size() > rolloverMaxSize {
		return true, nil
	}
	rows, err := s.rowCount(path)
	if err != nil {
		return false, err
	}
	return rows+incomingCount > rolloverMaxRows, nil
}

func (s *Store) rowCount(path string) (int, error) {
	rows, err := readShard(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ReadAll scans every shard in index order and returns the union,
// keyed by id; the first occurrence of a duplicate id wins.
func (s *Store) ReadAll() (map[uint64]Row, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrShardIO, s.Dir, err)
	}
	var indices []int
	for _, e := range entries {
		if idx, ok := shardIndex(e.Name()); ok {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	cacheKey := s.snapshotCacheKey(indices)
	if cached, ok := s.cache.HasGet(nil, cacheKey); ok {
		return decodeSnapshot(cached), nil
	}

	out := make(map[uint64]Row)
	for _, idx := range indices {
		rows, err := readShard(s.shardPath(idx))
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if _, exists := out[r.ID]; !exists {
				out[r.ID] = r
			}
		}
	}
	s.cache.Set(cacheKey, encodeSnapshot(out))
	return out, nil
}

// ReadCurrent scans only the current shard.
func (s *Store) ReadCurrent() (map[uint64]Row, error) {
	path, _, err := s.CurrentShard()
	if err != nil {
		return nil, err
	}
	rows, err := readShard(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[uint64]Row{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]Row, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// snapshotCacheKey is keyed by the sorted list of (shard path, mtime)
// pairs, so a write to any shard yields a new key and the whole merged
// snapshot is rescanned.
func (s *Store) snapshotCacheKey(indices []int) []byte {
	var b strings.Builder
	for _, idx := range indices {
		p := s.shardPath(idx)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s:%d;", p, info.ModTime().UnixNano())
	}
	return []byte(b.String())
}

// Write serializes rows sorted by numeric id and atomically replaces
// the shard at path via a sibling temp file plus rename, guarded by
// both an in-process mutex and a cross-process flock.
func (s *Store) Write(path string, rows map[uint64]Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: locking %s: %v", ErrShardIO, path, err)
	}
	defer lock.Unlock()

	sorted := make([]Row, 0, len(rows))
	for _, r := range rows {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrShardIO, tmp, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, shardHeader)
	for _, r := range sorted {
		fmt.Fprintf(w, "%d|%s|%s\n", r.ID, r.Start, r.End)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: writing %s: %v", ErrShardIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: closing %s: %v", ErrShardIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrShardIO, tmp, path, err)
	}
	return nil
}

// ExportCSV renders the merged catalog as standard CSV for external
// analysis, distinct from the pipe-delimited shard format.
func (s *Store) ExportCSV(w interface{ Write([]byte) (int, error) }) error {
	all, err := s.ReadAll()
	if err != nil {
		return err
	}
	ids := make([]uint64, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Fprintln(w, "batch_id,start_hex,end_hex")
	for _, id := range ids {
		r := all[id]
		fmt.Fprintf(w, "%d,%s,%s\n", r.ID, r.Start, r.End)
	}
	return nil
}

func readShard(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: opening %s: %v", ErrShardIO, path, err)
	}
	defer f.Close()

	var rows []Row
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			// Header is tolerated to carry a legacy optional
			// "batch_file" column; readers ignore it either way.
			continue
		}
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, Row{ID: id, Start: parts[1], End: parts[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning %s: %v", ErrShardIO, path, err)
	}
	return rows, nil
}

// RowToBatch adapts a catalog Row to a batch.Batch in the pending
// status the file variant always reports (see internal/store).
func RowToBatch(r Row) batch.Batch {
	return batch.Batch{ID: r.ID, Start: r.Start, End: r.End, Status: batch.StatusPending}
}

func encodeSnapshot(m map[uint64]Row) []byte {
	var b strings.Builder
	for id, r := range m {
		fmt.Fprintf(&b, "%d|%s|%s\n", id, r.Start, r.End)
	}
	return []byte(b.String())
}

func decodeSnapshot(data []byte) map[uint64]Row {
	out := make(map[uint64]Row)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		out[id] = Row{ID: id, Start: parts[1], End: parts[2]}
	}
	return out
}
