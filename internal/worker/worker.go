// Package worker implements the Worker Runner (C8): spawns one xiebo
// process for one batch on one GPU, streams its output through the
// output parser and presenter, and translates exit code and hit
// detection into a durable batch outcome.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gualgeol/xiebo-coordinator/internal/batch"
	"github.com/gualgeol/xiebo-coordinator/internal/outputparser"
	"github.com/gualgeol/xiebo-coordinator/internal/rlog"
	"github.com/gualgeol/xiebo-coordinator/internal/store"
)

// ErrWorkerExitNonZero is reported when xiebo exits with a non-zero
// status; the batch is marked failed and never retried automatically.
var ErrWorkerExitNonZero = errors.New("worker: xiebo exited non-zero")

// ErrWorkerInterrupted is reported when the runner terminates the
// child due to a parent-initiated cancellation.
var ErrWorkerInterrupted = errors.New("worker: interrupted")

// gracefulWait is how long the runner waits after a graceful signal
// before force-killing the child's process group.
const gracefulWait = 3 * time.Second

// LinePresenter receives every output line, already prefixed by the
// caller, for display. It must not block for long.
type LinePresenter func(line string)

// Job describes one xiebo invocation.
type Job struct {
	BatchID   uint64
	GPUID     int
	StartHex  string
	RangeBits int
	Address   string
	XieboPath string // defaults to "xiebo" on PATH when empty
}

// Runner spawns and supervises one xiebo child at a time.
type Runner struct {
	Store    store.Store
	Notify   outputparser.NotifyHit
	Present  LinePresenter
	Log      *rlog.Logger
}

// New builds a Runner. log may be nil (rlog.Default is used).
func New(st store.Store, notify outputparser.NotifyHit, present LinePresenter, log *rlog.Logger) *Runner {
	if log == nil {
		log = rlog.Default
	}
	return &Runner{Store: st, Notify: notify, Present: present, Log: log}
}

// Outcome is what the runner learned about one batch's xiebo run.
type Outcome struct {
	ExitCode int
	Result   outputparser.Result
	Status   batch.Status
}

// Run executes job to completion or until ctx is cancelled, in which
// case the child's process group is signaled and the batch is marked
// interrupted.
func (r *Runner) Run(ctx context.Context, job Job) (Outcome, error) {
	xiebo := job.XieboPath
	if xiebo == "" {
		xiebo = "xiebo"
	}

	if err := r.markInProgress(ctx, job.BatchID); err != nil {
		r.Log.Warn("mark in_progress failed", "batch", job.BatchID, "err", err)
	}

	args := []string{
		"-gpuId", fmt.Sprintf("%d", job.GPUID),
		"-start", job.StartHex,
		"-range", fmt.Sprintf("%d", job.RangeBits),
		job.Address,
	}
	cmd := exec.Command(xiebo, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // stderr merged into stdout, per §4.8

	parser := outputparser.New(r.Notify)

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("worker: starting xiebo: %w", err)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		prefix := fmt.Sprintf("[GPU %d][Batch %d] ", job.GPUID, job.BatchID)
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			parser.Feed(line)
			if r.Present != nil {
				r.Present(prefix + line)
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		r.terminateGroup(cmd)
		<-waitDone
		<-readDone
		if err := r.markStatus(context.Background(), job.BatchID, batch.StatusInterrupted, batch.FoundUnknown, ""); err != nil {
			r.Log.Warn("mark interrupted failed", "batch", job.BatchID, "err", err)
		}
		return Outcome{Status: batch.StatusInterrupted, Result: parser.Result()}, ErrWorkerInterrupted

	case waitErr := <-waitDone:
		<-readDone
		res := parser.Result()
		return r.finish(ctx, job.BatchID, waitErr, res)
	}
}

func (r *Runner) finish(ctx context.Context, id uint64, waitErr error, res outputparser.Result) (Outcome, error) {
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		exitCode = -1
	}

	if exitCode == 0 {
		if res.AnyHit {
			if err := r.markStatus(ctx, id, batch.StatusDone, batch.FoundYes, res.WIFShort); err != nil {
				return Outcome{}, err
			}
			return Outcome{ExitCode: 0, Result: res, Status: batch.StatusDone}, nil
		}
		if err := r.markStatus(ctx, id, batch.StatusDone, batch.FoundNo, ""); err != nil {
			return Outcome{}, err
		}
		return Outcome{ExitCode: 0, Result: res, Status: batch.StatusDone}, nil
	}

	if err := r.markStatus(ctx, id, batch.StatusFailed, batch.FoundUnknown, ""); err != nil {
		r.Log.Warn("mark failed status update failed", "batch", id, "err", err)
	}
	return Outcome{ExitCode: exitCode, Result: res, Status: batch.StatusFailed}, fmt.Errorf("%w: exit %d", ErrWorkerExitNonZero, exitCode)
}

func (r *Runner) markInProgress(ctx context.Context, id uint64) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.MarkStatus(ctx, id, batch.StatusInProgress, batch.FoundUnknown, "")
}

func (r *Runner) markStatus(ctx context.Context, id uint64, status batch.Status, found batch.Found, wif string) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.MarkStatus(ctx, id, status, found, batch.TruncateWIF(wif))
}

// terminateGroup sends the child's process group a graceful signal,
// waits briefly, then force-kills it if it's still alive.
func (r *Runner) terminateGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)

	done := make(chan struct{})
	go func() {
		// Wait is already being consumed by the caller's goroutine;
		// this just paces the escalation to force-kill.
		time.Sleep(gracefulWait)
		close(done)
	}()
	<-done
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
