package generator

import (
	"context"
	"math/big"
	"testing"

	"github.com/gualgeol/xiebo-coordinator/internal/catalog"
	"github.com/gualgeol/xiebo-coordinator/internal/resume"
)

func newTestGenerator(t *testing.T) (*Generator, *catalog.Store) {
	t.Helper()
	dir := t.TempDir()
	cs := catalog.New(dir)
	rs := resume.New(dir + "/nextbatch.txt")
	return New(cs, rs, nil, nil, nil), cs
}

func TestScenario1TinyPowerOfTwo(t *testing.T) {
	g, cs := newTestGenerator(t)
	res, err := g.Run(context.Background(), Params{
		StartHex:        "100",
		RangeBits:       4, // 16 keys
		TargetBatchSize: big.NewInt(4),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchesWritten != 4 {
		t.Fatalf("BatchesWritten = %d, want 4", res.BatchesWritten)
	}
	rows, err := cs.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := map[uint64][2]string{
		0: {"100", "103"},
		1: {"104", "107"},
		2: {"108", "10b"},
		3: {"10c", "10f"},
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	for id, pair := range want {
		r, ok := rows[id]
		if !ok {
			t.Fatalf("missing row %d", id)
		}
		if r.Start != pair[0] || r.End != pair[1] {
			t.Fatalf("row %d = (%s,%s), want (%s,%s)", id, r.Start, r.End, pair[0], pair[1])
		}
	}
}

func TestScenario2NonPowerOfTwoTargetAdjusts(t *testing.T) {
	g, cs := newTestGenerator(t)
	res, err := g.Run(context.Background(), Params{
		StartHex:        "100",
		RangeBits:       4,
		TargetBatchSize: big.NewInt(3), // adjusts to 4
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchesWritten != 4 {
		t.Fatalf("BatchesWritten = %d, want 4", res.BatchesWritten)
	}
	rows, _ := cs.ReadAll()
	if rows[0].Start != "100" || rows[0].End != "103" {
		t.Fatalf("row 0 = %+v", rows[0])
	}
}

func TestScenario3NoTruncationNeeded(t *testing.T) {
	g, cs := newTestGenerator(t)
	res, err := g.Run(context.Background(), Params{
		StartHex:        "0",
		RangeBits:       3, // 8 keys
		TargetBatchSize: big.NewInt(3), // adjusts to 4
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchesWritten != 2 {
		t.Fatalf("BatchesWritten = %d, want 2", res.BatchesWritten)
	}
	rows, _ := cs.ReadAll()
	if rows[0].Start != "0" || rows[0].End != "3" {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if rows[1].Start != "4" || rows[1].End != "7" {
		t.Fatalf("row 1 = %+v", rows[1])
	}
}

func TestScenario4TruncatedLastBatchForced(t *testing.T) {
	g, cs := newTestGenerator(t)
	res, err := g.Run(context.Background(), Params{
		StartHex:        "0",
		RangeBits:       3, // 8 keys
		TargetBatchSize: big.NewInt(6), // adjusts to 8
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchesWritten != 1 {
		t.Fatalf("BatchesWritten = %d, want 1", res.BatchesWritten)
	}
	rows, _ := cs.ReadAll()
	if rows[0].Start != "0" || rows[0].End != "7" {
		t.Fatalf("row 0 = %+v, want (0,7)", rows[0])
	}
}

func TestCompleteRunClearsResume(t *testing.T) {
	g, _ := newTestGenerator(t)
	_, err := g.Run(context.Background(), Params{
		StartHex:        "0",
		RangeBits:       3,
		TargetBatchSize: big.NewInt(4),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := g.Resume.Load()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected resume record to be cleared on a complete run")
	}
}

func TestContinuationRollsOverFullShard(t *testing.T) {
	g, cs := newTestGenerator(t)

	shard1, idx1, err := cs.NextShard()
	if err != nil {
		t.Fatal(err)
	}
	if idx1 != 1 {
		t.Fatalf("first shard index = %d, want 1", idx1)
	}
	seed := make(map[uint64]catalog.Row, 10000)
	for i := uint64(0); i < 10000; i++ {
		seed[i] = catalog.Row{ID: i, Start: "0", End: "3"}
	}
	if err := cs.Write(shard1, seed); err != nil {
		t.Fatal(err)
	}

	res, err := g.Run(context.Background(), Params{
		StartHex:         "10000",
		RangeBits:        4, // 16 keys -> 4 batches of size 4
		TargetBatchSize:  big.NewInt(4),
		MaxBatchesPerRun: 1,
		StartBatchID:     10000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ShardIndex != 2 {
		t.Fatalf("ShardIndex = %d, want 2 (full shard 1 should roll over)", res.ShardIndex)
	}
	rows, err := cs.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	row, ok := rows[10000]
	if !ok {
		t.Fatal("expected row 10000 to exist after rollover")
	}
	if row.Start != "10000" {
		t.Fatalf("row 10000 start = %s, want 10000", row.Start)
	}
}

func TestPartialRunPersistsResume(t *testing.T) {
	g, _ := newTestGenerator(t)
	_, err := g.Run(context.Background(), Params{
		StartHex:         "0",
		RangeBits:        4, // 16 keys -> 4 batches of size 4
		TargetBatchSize:  big.NewInt(4),
		MaxBatchesPerRun: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, ok, err := g.Resume.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a resume record for a partial run")
	}
	if rec.BatchesGenerated != 2 {
		t.Fatalf("BatchesGenerated = %d, want 2", rec.BatchesGenerated)
	}
}
