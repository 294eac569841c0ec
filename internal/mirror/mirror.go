// Package mirror implements the external mirror sink (C4): a
// best-effort, idempotent "copy the current shard and resume file to
// an external location" operation, generalized into a Sink interface
// with local, S3, and Azure Blob implementations.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gualgeol/xiebo-coordinator/internal/rlog"
)

// ErrMirror is always logged and swallowed by Listener; it is exposed
// so Sink implementations can wrap their own failures consistently.
var ErrMirror = errors.New("mirror: error")

// Sink copies src (identified by a stable name, e.g. "generated_batches_003.txt")
// to its destination, skipping the copy when the destination is not
// older than the source (mtime-gated idempotence).
type Sink interface {
	Mirror(ctx context.Context, name string, srcPath string) error
}

// Listener is the cross-cutting checkpoint hook: the generator and
// dispatcher never call a Sink directly, only Listener.After, matching
// the "mirror as a cross-cutting concern" design note.
type Listener struct {
	Sink Sink
	Log  *rlog.Logger
}

// NewListener builds a Listener; log may be nil, in which case
// rlog.Default is used.
func NewListener(sink Sink, log *rlog.Logger) *Listener {
	if log == nil {
		log = rlog.Default
	}
	return &Listener{Sink: sink, Log: log}
}

// After is invoked after every checkpoint write with the set of files
// that just changed. Failures are logged and swallowed; they never
// block the caller's progress.
func (l *Listener) After(ctx context.Context, files map[string]string) {
	if l.Sink == nil {
		return
	}
	for name, path := range files {
		if err := l.Sink.Mirror(ctx, name, path); err != nil {
			l.Log.Warn("mirror failed", "file", name, "err", err)
		}
	}
}

// LocalSink copies files to a mounted destination directory,
// preserving mtime and skipping up-to-date destinations.
type LocalSink struct {
	DestDir string
}

func (s *LocalSink) Mirror(_ context.Context, name, srcPath string) error {
	dst := filepath.Join(s.DestDir, name)
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("%w: stat source %s: %v", ErrMirror, srcPath, err)
	}
	if dstInfo, err := os.Stat(dst); err == nil && !dstInfo.ModTime().Before(srcInfo.ModTime()) {
		return nil // destination already up to date
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrMirror, srcPath, err)
	}
	defer in.Close()

	if err := os.MkdirAll(s.DestDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrMirror, s.DestDir, err)
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrMirror, tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: copying to %s: %v", ErrMirror, tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: closing %s: %v", ErrMirror, tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("%w: renaming to %s: %v", ErrMirror, dst, err)
	}
	return os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}

// mtimeNewer reports whether remote is at least as new as local,
// shared by the S3 and Azure sinks' idempotence check.
func mtimeNewer(remote, local time.Time) bool {
	return !remote.Before(local)
}
