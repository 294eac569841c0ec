package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir)
}

func TestCurrentShardDefaultsToIndex1(t *testing.T) {
	s := newTestStore(t)
	path, idx, err := s.CurrentShard()
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1", idx)
	}
	if filepath.Base(path) != "generated_batches_001.txt" {
		t.Fatalf("path = %s", path)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	path, _, err := s.CurrentShard()
	if err != nil {
		t.Fatal(err)
	}
	rows := map[uint64]Row{
		2: {ID: 2, Start: "108", End: "10b"},
		0: {ID: 0, Start: "100", End: "103"},
		1: {ID: 1, Start: "104", End: "107"},
	}
	if err := s.Write(path, rows); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	for id, r := range rows {
		if got[id] != r {
			t.Fatalf("row %d mismatch: got %+v want %+v", id, got[id], r)
		}
	}
}

func TestWriteSortsRowsByID(t *testing.T) {
	s := newTestStore(t)
	path, _, _ := s.CurrentShard()
	rows := map[uint64]Row{
		5: {ID: 5, Start: "a", End: "b"},
		1: {ID: 1, Start: "c", End: "d"},
		3: {ID: 3, Start: "e", End: "f"},
	}
	if err := s.Write(path, rows); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	// Row for id=1 must appear before id=3, which must appear before id=5.
	i1 := indexOf(content, "1|c|d")
	i3 := indexOf(content, "3|e|f")
	i5 := indexOf(content, "5|a|b")
	if !(i1 < i3 && i3 < i5) {
		t.Fatalf("rows not sorted by id in output:\n%s", content)
	}
}

func TestReadAllMergesShardsFirstOccurrenceWins(t *testing.T) {
	s := newTestStore(t)
	shard1 := s.shardPath(1)
	shard2 := s.shardPath(2)

	if err := s.Write(shard1, map[uint64]Row{0: {ID: 0, Start: "0", End: "3"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(shard2, map[uint64]Row{
		0: {ID: 0, Start: "DUPLICATE", End: "SHOULD-NOT-WIN"},
		1: {ID: 1, Start: "4", End: "7"},
	}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d rows, want 2", len(all))
	}
	if all[0].Start != "0" {
		t.Fatalf("duplicate id resolution favored later shard: %+v", all[0])
	}
}

func TestShouldRolloverOnRowCount(t *testing.T) {
	s := newTestStore(t)
	path, _, _ := s.CurrentShard()
	rows := make(map[uint64]Row, rolloverMaxRows)
	for i := uint64(0); i < rolloverMaxRows; i++ {
		rows[i] = Row{ID: i, Start: "0", End: "1"}
	}
	if err := s.Write(path, rows); err != nil {
		t.Fatal(err)
	}
	should, err := s.ShouldRollover(path, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !should {
		t.Fatal("expected rollover once row count threshold exceeded")
	}
}

func TestShouldRolloverFalseForMissingShard(t *testing.T) {
	s := newTestStore(t)
	path := s.shardPath(7)
	should, err := s.ShouldRollover(path, 5)
	if err != nil {
		t.Fatal(err)
	}
	if should {
		t.Fatal("a nonexistent shard should never trigger rollover")
	}
}

func TestNextShardSkipsExisting(t *testing.T) {
	s := newTestStore(t)
	if err := s.Write(s.shardPath(1), map[uint64]Row{0: {ID: 0, Start: "0", End: "1"}}); err != nil {
		t.Fatal(err)
	}
	path, idx, err := s.NextShard()
	if err != nil {
		t.Fatal(err)
	}
	if idx != 2 || filepath.Base(path) != "generated_batches_002.txt" {
		t.Fatalf("NextShard = (%s, %d), want (.../002.txt, 2)", path, idx)
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
