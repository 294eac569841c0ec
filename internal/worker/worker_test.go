package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gualgeol/xiebo-coordinator/internal/batch"
)

// memStore is a minimal in-memory store.Store for worker tests.
type memStore struct {
	mu    sync.Mutex
	marks []batch.Status
}

func (m *memStore) FetchByID(context.Context, uint64) (batch.Batch, bool, error) {
	return batch.Batch{}, false, nil
}
func (m *memStore) FetchPending(context.Context, uint64, int) ([]batch.Batch, error) {
	return nil, nil
}
func (m *memStore) MarkStatus(_ context.Context, _ uint64, status batch.Status, _ batch.Found, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, status)
	return nil
}

func writeStubScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "xiebo-stub.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunnerSuccessNoHit(t *testing.T) {
	script := writeStubScript(t, `
echo "Setting starting keys..."
echo "Speed: 1000 Mkey/s"
echo "Range Finished! Time: 00:00:01 Found: 0"
exit 0
`)
	st := &memStore{}
	r := New(st, nil, nil, nil)
	outcome, err := r.Run(context.Background(), Job{
		BatchID: 1, GPUID: 0, StartHex: "0", RangeBits: 4, Address: "addr", XieboPath: script,
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != batch.StatusDone {
		t.Fatalf("status = %s, want done", outcome.Status)
	}
	if outcome.Result.AnyHit {
		t.Fatal("expected no hit")
	}
	if st.marks[0] != batch.StatusInProgress || st.marks[len(st.marks)-1] != batch.StatusDone {
		t.Fatalf("marks = %v", st.marks)
	}
}

func TestRunnerHitNotifiesAndMarksFoundYes(t *testing.T) {
	script := writeStubScript(t, `
echo "Range Finished! Time: 00:00:01 Found: 1"
echo "Priv (HEX): DEADBEEF"
echo "Priv (WIF): KwExampleWifStringThatIsPaddedOutToSixtyCharactersXX"
echo "Address: 1exampleaddress"
exit 0
`)
	st := &memStore{}
	notified := false
	r := New(st, func() { notified = true }, nil, nil)
	outcome, err := r.Run(context.Background(), Job{
		BatchID: 2, GPUID: 1, StartHex: "0", RangeBits: 4, Address: "addr", XieboPath: script,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !notified {
		t.Fatal("expected NotifyHit to be called")
	}
	if outcome.Status != batch.StatusDone {
		t.Fatalf("status = %s, want done", outcome.Status)
	}
	if st.marks[len(st.marks)-1] != batch.StatusDone {
		t.Fatalf("final mark = %v, want done", st.marks[len(st.marks)-1])
	}
}

func TestRunnerNonZeroExitMarksFailed(t *testing.T) {
	script := writeStubScript(t, `
echo "something went wrong"
exit 3
`)
	st := &memStore{}
	r := New(st, nil, nil, nil)
	outcome, err := r.Run(context.Background(), Job{
		BatchID: 3, GPUID: 0, StartHex: "0", RangeBits: 4, Address: "addr", XieboPath: script,
	})
	if err == nil {
		t.Fatal("expected an error for non-zero exit")
	}
	if outcome.Status != batch.StatusFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", outcome.ExitCode)
	}
}

func TestRunnerPresenterReceivesPrefixedLines(t *testing.T) {
	script := writeStubScript(t, `
echo "hello"
exit 0
`)
	var seen []string
	r := New(&memStore{}, nil, func(line string) { seen = append(seen, line) }, nil)
	_, err := r.Run(context.Background(), Job{
		BatchID: 9, GPUID: 2, StartHex: "0", RangeBits: 4, Address: "addr", XieboPath: script,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) == 0 || seen[0] != "[GPU 2][Batch 9] hello" {
		t.Fatalf("seen = %v", seen)
	}
}
