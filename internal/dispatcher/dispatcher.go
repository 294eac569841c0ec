// Package dispatcher implements the pool of per-GPU workers (C9): a
// shared supply of pending batches consumed either sequentially or in
// parallel, honoring the global stop signal and a per-run batch cap.
package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gualgeol/xiebo-coordinator/internal/batch"
	"github.com/gualgeol/xiebo-coordinator/internal/resume"
	"github.com/gualgeol/xiebo-coordinator/internal/rlog"
	"github.com/gualgeol/xiebo-coordinator/internal/stopsignal"
	"github.com/gualgeol/xiebo-coordinator/internal/store"
	"github.com/gualgeol/xiebo-coordinator/internal/worker"
)

// sequentialDelay paces successive batches on the single-GPU loop to
// allow external observation, per §4.9.
const sequentialDelay = 3 * time.Second

// Params configures one dispatcher run.
type Params struct {
	GPUIDs          []int
	FromID          uint64
	MaxBatchesPerRun int
	Address         string
	RangeBits       int
	XieboPath       string
}

// GPUStart pairs a GPU id with its own starting batch id, for the
// multi-GPU config-string dispatch variant.
type GPUStart struct {
	GPUID   int
	StartID uint64
}

// Summary tallies one dispatcher run's outcome counts.
type Summary struct {
	Launched   int
	Done       int
	Failed     int
	Interrupted int
	FoundYes   int
}

// Dispatcher drives Runner instances against a shared Store.
type Dispatcher struct {
	Store  store.Store
	Runner *worker.Runner
	Stop   *stopsignal.Signal
	Resume *resume.Store
	Log    *rlog.Logger
}

// New builds a Dispatcher. log may be nil (rlog.Default is used).
func New(st store.Store, r *worker.Runner, stop *stopsignal.Signal, rs *resume.Store, log *rlog.Logger) *Dispatcher {
	if log == nil {
		log = rlog.Default
	}
	return &Dispatcher{Store: st, Runner: r, Stop: stop, Resume: rs, Log: log}
}

// RunSequential assigns batch i to GPU i mod len(gpuIDs), never
// starting the next batch until the current one completes.
func (d *Dispatcher) RunSequential(ctx context.Context, p Params) (Summary, error) {
	var sum Summary
	if len(p.GPUIDs) == 0 {
		return sum, nil
	}
	d.persistStateEarly(p)

	id := p.FromID
	launched := 0
	for p.MaxBatchesPerRun <= 0 || launched < p.MaxBatchesPerRun {
		if d.Stop != nil && d.Stop.Stopped() {
			break
		}
		b, ok, err := d.Store.FetchByID(ctx, id)
		if err != nil {
			d.Log.Warn("fetch failed", "id", id, "err", err)
			break
		}
		if !ok {
			break
		}
		if b.Status == batch.StatusDone || b.Status == batch.StatusInProgress {
			id++
			continue
		}

		gpu := p.GPUIDs[launched%len(p.GPUIDs)]
		d.runOne(ctx, gpu, id, p, &sum)
		id++
		launched++

		if d.Stop != nil && d.Stop.Stopped() {
			break
		}
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		case <-time.After(sequentialDelay):
		}
	}
	return sum, nil
}

// RunParallel starts one goroutine per GPU, each atomically pulling
// the next pending id from a shared counter, per the shared-counter
// model preferred in §4.9.
func (d *Dispatcher) RunParallel(ctx context.Context, p Params) (Summary, error) {
	if len(p.GPUIDs) == 0 {
		return Summary{}, nil
	}
	d.persistStateEarly(p)

	counter := p.FromID
	launchedTotal := int32(0)
	cap32 := int32(p.MaxBatchesPerRun)

	var sum Summary
	var mu sync.Mutex

	eg, egctx := errgroup.WithContext(ctx)
	for _, gpu := range p.GPUIDs {
		gpu := gpu
		eg.Go(func() error {
			for {
				if d.Stop != nil && d.Stop.Stopped() {
					return nil
				}
				if cap32 > 0 && atomic.LoadInt32(&launchedTotal) >= cap32 {
					return nil
				}
				id := atomic.AddUint64(&counter, 1) - 1
				if cap32 > 0 {
					n := atomic.AddInt32(&launchedTotal, 1)
					if n > cap32 {
						return nil
					}
				}

				b, ok, err := d.Store.FetchByID(egctx, id)
				if err != nil {
					d.Log.Warn("fetch failed", "id", id, "gpu", gpu, "err", err)
					continue
				}
				if !ok {
					return nil // supply exhausted
				}
				if b.Status == batch.StatusDone || b.Status == batch.StatusInProgress {
					continue
				}
				// Stores that support a conditional claim (SQLStore) move
				// the row to in_progress only if no other process has.
				if cl, ok := d.Store.(interface {
					ClaimPending(context.Context, uint64) (bool, error)
				}); ok {
					claimed, err := cl.ClaimPending(egctx, id)
					if err != nil {
						d.Log.Warn("claim failed", "id", id, "gpu", gpu, "err", err)
						continue
					}
					if !claimed {
						continue
					}
				}

				outcome, ran := d.executeBatch(egctx, gpu, id, p)
				if ran {
					mu.Lock()
					recordOutcome(&sum, outcome)
					mu.Unlock()
				}

				if d.Stop != nil && d.Stop.Stopped() {
					return nil
				}
			}
		})
	}
	err := eg.Wait()
	return sum, err
}

// RunGPUConfig supplements the canonical shared-counter model: each
// GPU is assigned its own starting batch id and advances independently,
// matching the original "gpu_id:start_id,..." multi-GPU mode.
func (d *Dispatcher) RunGPUConfig(ctx context.Context, starts []GPUStart, p Params) (Summary, error) {
	var sum Summary
	var mu sync.Mutex
	eg, egctx := errgroup.WithContext(ctx)

	perGPUCap := p.MaxBatchesPerRun
	for _, gs := range starts {
		gs := gs
		eg.Go(func() error {
			id := gs.StartID
			for launched := 0; perGPUCap <= 0 || launched < perGPUCap; launched++ {
				if d.Stop != nil && d.Stop.Stopped() {
					return nil
				}
				b, ok, err := d.Store.FetchByID(egctx, id)
				if err != nil {
					d.Log.Warn("fetch failed", "id", id, "gpu", gs.GPUID, "err", err)
					return nil
				}
				if !ok {
					return nil
				}
				if b.Status != batch.StatusDone && b.Status != batch.StatusInProgress {
					outcome, ran := d.executeBatch(egctx, gs.GPUID, id, p)
					if ran {
						mu.Lock()
						recordOutcome(&sum, outcome)
						mu.Unlock()
					}
				}
				id++
			}
			return nil
		})
	}
	err := eg.Wait()
	return sum, err
}

// runOne runs a single batch and folds its outcome into sum directly,
// for RunSequential's single-goroutine loop where no lock is needed.
func (d *Dispatcher) runOne(ctx context.Context, gpu int, id uint64, p Params, sum *Summary) {
	if outcome, ran := d.executeBatch(ctx, gpu, id, p); ran {
		recordOutcome(sum, outcome)
	}
}

// executeBatch fetches and runs one batch without touching any shared
// Summary, so callers can run it concurrently and serialize only the
// (cheap) summary update — not the `xiebo` child process itself.
func (d *Dispatcher) executeBatch(ctx context.Context, gpu int, id uint64, p Params) (worker.Outcome, bool) {
	b, ok, err := d.Store.FetchByID(ctx, id)
	if err != nil || !ok {
		return worker.Outcome{}, false
	}
	outcome, err := d.Runner.Run(ctx, worker.Job{
		BatchID: id, GPUID: gpu, StartHex: b.Start, RangeBits: p.RangeBits, Address: p.Address, XieboPath: p.XieboPath,
	})
	_ = err // already reflected in outcome.Status; error carries detail for logging
	return outcome, true
}

// recordOutcome folds one batch's outcome into sum. Callers sharing sum
// across goroutines must hold their own mutex around this call.
func recordOutcome(sum *Summary, outcome worker.Outcome) {
	sum.Launched++
	switch outcome.Status {
	case batch.StatusDone:
		sum.Done++
		if outcome.Result.AnyHit {
			sum.FoundYes++
		}
	case batch.StatusFailed:
		sum.Failed++
	case batch.StatusInterrupted:
		sum.Interrupted++
	}
}

// persistStateEarly writes the post-slice resume record before any
// batch runs, so a hard crash still leaves a valid resume point
// (§4.9 "state-early semantics"): the record captures where the next
// dispatcher invocation should resume (FromID plus this slice's cap),
// independent of whether any batch in the slice actually completes.
func (d *Dispatcher) persistStateEarly(p Params) {
	if d.Resume == nil {
		return
	}
	nextFrom := p.FromID
	if p.MaxBatchesPerRun > 0 {
		nextFrom += uint64(p.MaxBatchesPerRun)
	}
	rec := resume.Record{
		NextStartHex: strconv.FormatUint(nextFrom, 10),
		RunID:        resume.NewRunID(),
	}
	if err := d.Resume.Save(rec); err != nil {
		d.Log.Warn("state-early resume save failed", "err", err)
	}
}
