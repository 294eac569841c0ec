package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gualgeol/xiebo-coordinator/internal/batch"
	"github.com/gualgeol/xiebo-coordinator/internal/stopsignal"
	"github.com/gualgeol/xiebo-coordinator/internal/worker"
)

// memStore is a small thread-safe in-memory store.Store for dispatcher tests.
type memStore struct {
	mu      sync.Mutex
	batches map[uint64]batch.Batch
}

func newMemStore(n int) *memStore {
	m := &memStore{batches: make(map[uint64]batch.Batch)}
	for i := 0; i < n; i++ {
		id := uint64(i)
		m.batches[id] = batch.Batch{ID: id, Start: "0", End: "f", Status: batch.StatusPending}
	}
	return m
}

func (m *memStore) FetchByID(_ context.Context, id uint64) (batch.Batch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	return b, ok, nil
}

func (m *memStore) FetchPending(context.Context, uint64, int) ([]batch.Batch, error) { return nil, nil }

func (m *memStore) MarkStatus(_ context.Context, id uint64, status batch.Status, found batch.Found, wif string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batches[id]
	b.Status = status
	b.Found = found
	b.WIF = wif
	m.batches[id] = b
	return nil
}

func writeStub(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stub.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunSequentialRespectsCap(t *testing.T) {
	st := newMemStore(10)
	script := writeStub(t, "echo done\nexit 0\n")
	r := worker.New(st, nil, nil, nil)
	d := New(st, r, nil, nil, nil)

	sum, err := d.RunSequential(context.Background(), Params{
		GPUIDs: []int{0, 1}, MaxBatchesPerRun: 3, RangeBits: 4, Address: "addr", XieboPath: script,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Launched != 3 {
		t.Fatalf("Launched = %d, want 3", sum.Launched)
	}
	if sum.Done != 3 {
		t.Fatalf("Done = %d, want 3", sum.Done)
	}
}

func TestRunSequentialStopsOnSignal(t *testing.T) {
	st := newMemStore(10)
	script := writeStub(t, "exit 0\n")
	var stop stopsignal.Signal
	stop.Raise(stopsignal.SourceInterrupt)
	r := worker.New(st, nil, nil, nil)
	d := New(st, r, &stop, nil, nil)

	sum, err := d.RunSequential(context.Background(), Params{
		GPUIDs: []int{0}, MaxBatchesPerRun: 5, RangeBits: 4, Address: "addr", XieboPath: script,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Launched != 0 {
		t.Fatalf("Launched = %d, want 0 once stop is already raised", sum.Launched)
	}
}

func TestRunParallelDrainsSharedCounter(t *testing.T) {
	st := newMemStore(20)
	script := writeStub(t, "exit 0\n")
	r := worker.New(st, nil, nil, nil)
	d := New(st, r, nil, nil, nil)

	sum, err := d.RunParallel(context.Background(), Params{
		GPUIDs: []int{0, 1, 2}, MaxBatchesPerRun: 9, RangeBits: 4, Address: "addr", XieboPath: script,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Launched != 9 {
		t.Fatalf("Launched = %d, want 9", sum.Launched)
	}
}

// TestRunParallelOverlapsChildProcesses proves two GPUs' xiebo children
// actually run concurrently rather than being serialized behind the
// summary-update lock: two 200ms batches on two GPUs must finish in
// well under the 400ms a fully-serialized run would take.
func TestRunParallelOverlapsChildProcesses(t *testing.T) {
	st := newMemStore(2)
	script := writeStub(t, "sleep 0.2\nexit 0\n")
	r := worker.New(st, nil, nil, nil)
	d := New(st, r, nil, nil, nil)

	start := time.Now()
	sum, err := d.RunParallel(context.Background(), Params{
		GPUIDs: []int{0, 1}, MaxBatchesPerRun: 2, RangeBits: 4, Address: "addr", XieboPath: script,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Launched != 2 || sum.Done != 2 {
		t.Fatalf("sum = %+v, want 2 launched/done", sum)
	}
	if elapsed >= 350*time.Millisecond {
		t.Fatalf("two GPUs' batches took %v, want well under 350ms if truly overlapped (serialized would take ~400ms)", elapsed)
	}
}
