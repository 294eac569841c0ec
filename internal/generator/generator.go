// Package generator implements the multi-threaded batch producer
// (C5): it partitions a (start_hex, range_bits) interval into
// power-of-two aligned batches of a caller-chosen target size, driving
// the catalog store, resume state, and mirror sink.
package generator

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gualgeol/xiebo-coordinator/internal/catalog"
	"github.com/gualgeol/xiebo-coordinator/internal/mirror"
	"github.com/gualgeol/xiebo-coordinator/internal/rangearith"
	"github.com/gualgeol/xiebo-coordinator/internal/resume"
	"github.com/gualgeol/xiebo-coordinator/internal/rlog"
	"github.com/gualgeol/xiebo-coordinator/internal/stopsignal"
)

// DefaultMaxThreads matches the original tooling's worker cap.
const DefaultMaxThreads = 24

// progressInterval is how often a single ETA line is emitted while the
// bounded pool is running.
const progressInterval = 500 * time.Millisecond

// Params are the Generator's inputs, per §4.5.
type Params struct {
	StartHex        string
	RangeBits       int
	Address         string
	TargetBatchSize *big.Int
	MaxBatchesPerRun int
	MaxThreads      int // 0 defaults to DefaultMaxThreads
	StartBatchID    uint64
}

// Result summarizes one generation run.
type Result struct {
	BatchesWritten uint64
	TotalBatches   uint64
	Complete       bool
	ShardPath      string
	ShardIndex     int
}

// Generator drives the catalog/resume/mirror trio to partition one
// interval into batches.
type Generator struct {
	Catalog  *catalog.Store
	Resume   *resume.Store
	Mirror   *mirror.Listener
	Stop     *stopsignal.Signal
	Log      *rlog.Logger
}

// New builds a Generator; log may be nil (rlog.Default is used).
func New(cs *catalog.Store, rs *resume.Store, ml *mirror.Listener, stop *stopsignal.Signal, log *rlog.Logger) *Generator {
	if log == nil {
		log = rlog.Default
	}
	return &Generator{Catalog: cs, Resume: rs, Mirror: ml, Stop: stop, Log: log}
}

// Run executes one generation pass: it computes the partition, fills
// the current (or a rolled-over) shard, and persists a resume record
// or clears it on completion.
func (g *Generator) Run(ctx context.Context, p Params) (Result, error) {
	origin, err := rangearith.ParseHex(p.StartHex)
	if err != nil {
		return Result{}, err
	}
	if err := rangearith.ValidateRangeBits(p.RangeBits); err != nil {
		return Result{}, err
	}
	totalKeys := rangearith.PowerOfTwo(p.RangeBits)
	endInclusive := new(big.Int).Add(origin, totalKeys)
	endInclusive.Sub(endInclusive, big.NewInt(1))

	adjustedSize, _, err := rangearith.AdjustToPowerOfTwo(p.TargetBatchSize)
	if err != nil {
		return Result{}, err
	}
	batchesNeeded := new(big.Int).Add(totalKeys, new(big.Int).Sub(adjustedSize, big.NewInt(1)))
	batchesNeeded.Quo(batchesNeeded, adjustedSize)

	maxThreads := p.MaxThreads
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	limit := p.MaxBatchesPerRun
	needed := batchesNeeded.Int64()
	if limit <= 0 || int64(limit) > needed {
		limit = int(needed)
	}

	shardPath, shardIdx, rows, err := g.prepareShard(p.StartBatchID, limit)
	if err != nil {
		return Result{}, err
	}

	type produced struct {
		id    uint64
		start *big.Int
		end   *big.Int
	}
	resultsCh := make(chan produced, limit)

	sem := semaphore.NewWeighted(int64(maxThreads))
	eg, egctx := errgroup.WithContext(ctx)

	progressDone := make(chan struct{})
	var completed int64
	go g.emitProgress(egctx, &completed, int64(limit), progressDone)

	for i := 0; i < limit; i++ {
		i := i
		if g.Stop != nil && g.Stop.Stopped() {
			break
		}
		if err := sem.Acquire(egctx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			if g.Stop != nil && g.Stop.Stopped() {
				return nil
			}
			batchStart := new(big.Int).Mul(big.NewInt(int64(i)), adjustedSize)
			batchStart.Add(batchStart, origin)
			batchEnd := new(big.Int).Add(batchStart, adjustedSize)
			if batchEnd.Cmp(new(big.Int).Add(endInclusive, big.NewInt(1))) > 0 {
				batchEnd = new(big.Int).Add(endInclusive, big.NewInt(1))
			}
			batchEnd.Sub(batchEnd, big.NewInt(1))

			resultsCh <- produced{
				id:    p.StartBatchID + uint64(i),
				start: batchStart,
				end:   batchEnd,
			}
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}

	err = eg.Wait()
	close(resultsCh)
	<-progressDone
	if err != nil {
		return Result{}, fmt.Errorf("generator: worker pool: %w", err)
	}

	producedCount := 0
	for prod := range resultsCh {
		rows[prod.id] = catalog.Row{
			ID:    prod.id,
			Start: rangearith.FormatHex(prod.start),
			End:   rangearith.FormatHex(prod.end),
		}
		producedCount++
	}

	if err := g.Catalog.Write(shardPath, rows); err != nil {
		return Result{}, err
	}
	if g.Mirror != nil {
		g.Mirror.After(ctx, map[string]string{shardBaseName(shardIdx): shardPath})
	}

	batchesGenerated := uint64(len(rows))
	complete := int64(batchesGenerated) >= needed
	res := Result{
		BatchesWritten: batchesGenerated,
		TotalBatches:   uint64(needed),
		Complete:       complete,
		ShardPath:      shardPath,
		ShardIndex:     shardIdx,
	}

	if complete {
		if err := g.Resume.Clear(); err != nil {
			g.Log.Warn("resume clear failed", "err", err)
		}
	} else {
		nextStart := new(big.Int).Add(origin, new(big.Int).Mul(big.NewInt(int64(producedCount)), adjustedSize))
		runID := resume.NewRunID()
		if p.StartBatchID != 0 {
			if prev, ok, err := g.Resume.Load(); err == nil && ok && prev.RunID != "" {
				runID = prev.RunID
			}
		}
		rec := resume.Record{
			OriginalStart:     p.StartHex,
			OriginalRangeBits: p.RangeBits,
			Address:           p.Address,
			NextStartHex:      rangearith.FormatHex(nextStart),
			BatchesGenerated:  batchesGenerated,
			TotalBatches:      uint64(needed),
			CurrentBatchFile:  shardBaseName(shardIdx),
			CurrentBatchIndex: shardIdx,
			RunID:             runID,
		}
		if err := g.Resume.Save(rec); err != nil {
			g.Log.Warn("resume save failed", "err", err)
		} else if g.Mirror != nil {
			g.Mirror.After(ctx, map[string]string{"nextbatch.txt": g.Resume.Path})
		}
	}

	return res, nil
}

// prepareShard decides whether to roll over per §4.2/§4.5 step 1: a
// fresh shard is always started when startBatchID == 0; otherwise the
// generator resumes into the current shard, rolling over to a new one
// when appending incomingCount more rows would cross the 10 MiB/10,000
// row threshold.
func (g *Generator) prepareShard(startBatchID uint64, incomingCount int) (path string, idx int, rows map[uint64]catalog.Row, err error) {
	if startBatchID == 0 {
		path, idx, err = g.Catalog.NextShard()
		if err != nil {
			return "", 0, nil, err
		}
		return path, idx, make(map[uint64]catalog.Row), nil
	}

	path, idx, err = g.Catalog.CurrentShard()
	if err != nil {
		return "", 0, nil, err
	}
	rollover, err := g.Catalog.ShouldRollover(path, incomingCount)
	if err != nil {
		return "", 0, nil, err
	}
	if rollover {
		path, idx, err = g.Catalog.NextShard()
		if err != nil {
			return "", 0, nil, err
		}
		return path, idx, make(map[uint64]catalog.Row), nil
	}

	rows, err = g.Catalog.ReadCurrent()
	if err != nil {
		return "", 0, nil, err
	}
	return path, idx, rows, nil
}

func (g *Generator) emitProgress(ctx context.Context, completed *int64, total int64, done chan<- struct{}) {
	defer close(done)
	if total <= 0 {
		return
	}
	started := time.Now()
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := atomic.LoadInt64(completed)
			if c >= total {
				return
			}
			kv := []any{"completed", c, "total", total}
			if c > 0 {
				eta := time.Duration(float64(time.Since(started)) / float64(c) * float64(total-c))
				kv = append(kv, "eta", eta.Round(time.Second))
			}
			g.Log.Info("generating batches", kv...)
		}
	}
}

func shardBaseName(idx int) string {
	return fmt.Sprintf("generated_batches_%03d.txt", idx)
}
