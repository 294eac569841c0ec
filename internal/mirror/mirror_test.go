package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalSinkCopiesWhenDestMissing(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	src := filepath.Join(srcDir, "generated_batches_001.txt")
	if err := os.WriteFile(src, []byte("batch_id|start_hex|end_hex\n0|0|3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &LocalSink{DestDir: dstDir}
	if err := sink.Mirror(context.Background(), "generated_batches_001.txt", src); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dstDir, "generated_batches_001.txt")
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "batch_id|start_hex|end_hex\n0|0|3\n" {
		t.Fatalf("unexpected mirrored content: %q", data)
	}
}

func TestLocalSinkSkipsUpToDateDestination(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	src := filepath.Join(srcDir, "f.txt")
	dst := filepath.Join(dstDir, "f.txt")

	if err := os.WriteFile(src, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("newer-destination-content"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(dst, future, future); err != nil {
		t.Fatal(err)
	}

	sink := &LocalSink{DestDir: dstDir}
	if err := sink.Mirror(context.Background(), "f.txt", src); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "newer-destination-content" {
		t.Fatal("expected up-to-date destination to be left untouched")
	}
}

func TestListenerSwallowsSinkErrors(t *testing.T) {
	l := NewListener(errSink{}, nil)
	// Must not panic or propagate the error.
	l.After(context.Background(), map[string]string{"x": "y"})
}

type errSink struct{}

func (errSink) Mirror(context.Context, string, string) error {
	return ErrMirror
}
