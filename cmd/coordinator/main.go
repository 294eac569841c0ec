// Command coordinator is the xiebo-coordinator driver: a thin,
// verb-first entry point that wires one command to one scenario built
// from the internal packages. No business logic lives here.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/gualgeol/xiebo-coordinator/internal/catalog"
	"github.com/gualgeol/xiebo-coordinator/internal/config"
	"github.com/gualgeol/xiebo-coordinator/internal/dispatcher"
	"github.com/gualgeol/xiebo-coordinator/internal/generator"
	"github.com/gualgeol/xiebo-coordinator/internal/mirror"
	"github.com/gualgeol/xiebo-coordinator/internal/outputparser"
	"github.com/gualgeol/xiebo-coordinator/internal/presenter"
	"github.com/gualgeol/xiebo-coordinator/internal/resume"
	"github.com/gualgeol/xiebo-coordinator/internal/rlog"
	"github.com/gualgeol/xiebo-coordinator/internal/stopsignal"
	"github.com/gualgeol/xiebo-coordinator/internal/store"
	"github.com/gualgeol/xiebo-coordinator/internal/worker"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		rlog.Default.Warn("automaxprocs: could not set GOMAXPROCS", "err", err)
	}

	app := buildApp()
	if err := app.Run(os.Args); err != nil {
		rlog.Default.Error("coordinator exiting with error", "err", err)
		os.Exit(exitCodeFor(err))
	}
}

// buildApp assembles the verb surface. Split out from main so the
// reexec test harness can run the same app without the process-level
// automaxprocs/os.Exit wiring.
func buildApp() *cli.App {
	return &cli.App{
		Name:  "coordinator",
		Usage: "drives xiebo batch generation and dispatch against a catalog/backing store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", Usage: "override $XIEBO_HOME"},
			&cli.StringFlag{Name: "catalog-dir", Usage: "override the catalog directory"},
		},
		Commands: []*cli.Command{
			generateCmd,
			continueCmd,
			continueSingleCmd,
			continueSingleSTCmd,
			summaryCmd,
			exportCmd,
			infoCmd,
			setSizeCmd,
			setThreadsCmd,
			batchDBParallelCmd,
			batchDBSequentialCmd,
			singleRunCmd,
		},
	}
}

// exitCodeFor maps an error to the CLI exit code: 130 for
// context.Canceled, which the continue verb returns after an operator
// interrupt, and 1 for any other error. The other verbs return nil after
// an interrupted run, so they exit 0.
func exitCodeFor(err error) int {
	if err == context.Canceled {
		return 130
	}
	return 1
}

// loadConfig resolves the home directory and config file for a
// cli.Context, applying any --home/--catalog-dir overrides on top.
func loadConfig(c *cli.Context) (config.Config, string, error) {
	home := c.String("home")
	if home == "" {
		var err error
		home, err = config.HomeDir()
		if err != nil {
			return config.Config{}, "", err
		}
	}
	cfgPath := filepath.Join(home, config.DefaultFileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, "", err
	}
	if cfg.CatalogDir == "" {
		cfg.CatalogDir = filepath.Join(home, "catalog")
	}
	if dir := c.String("catalog-dir"); dir != "" {
		cfg.CatalogDir = dir
	}
	if err := os.MkdirAll(cfg.CatalogDir, 0o755); err != nil {
		return config.Config{}, "", fmt.Errorf("creating catalog dir %s: %w", cfg.CatalogDir, err)
	}
	return cfg, cfgPath, nil
}

// installInterruptHandler raises stop on SIGINT/SIGTERM (§5
// "cancellation and timeouts").
func installInterruptHandler(stop *stopsignal.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		stop.Raise(stopsignal.SourceInterrupt)
	}()
}

// buildMirrorListener wires the configured mirror backend, returning
// nil when none is configured (the zero-value "no mirror" case).
func buildMirrorListener(ctx context.Context, cfg config.Config) (*mirror.Listener, error) {
	switch cfg.MirrorKind {
	case "", "none":
		return nil, nil
	case "local":
		return mirror.NewListener(&mirror.LocalSink{DestDir: cfg.MirrorLocalDir}, nil), nil
	case "s3":
		sink, err := mirror.NewS3Sink(ctx, cfg.MirrorS3Bucket, cfg.MirrorS3Prefix)
		if err != nil {
			return nil, err
		}
		return mirror.NewListener(sink, nil), nil
	case "azblob":
		cred, err := azblob.NewSharedKeyCredential(cfg.MirrorAzureAccount, cfg.MirrorAzureAccountKey)
		if err != nil {
			return nil, fmt.Errorf("building azure shared key credential: %w", err)
		}
		sink, err := mirror.NewAzureSink(cfg.MirrorAzureURL, cfg.MirrorAzureContainer, *cred)
		if err != nil {
			return nil, err
		}
		return mirror.NewListener(sink, nil), nil
	default:
		return nil, fmt.Errorf("unsupported mirror_kind %q", cfg.MirrorKind)
	}
}

var generateCmd = &cli.Command{
	Name:  "generate",
	Usage: "partition a fresh range into the catalog, starting a new shard",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "start", Required: true, Usage: "origin as hex"},
		&cli.IntFlag{Name: "range-bits", Required: true},
		&cli.StringFlag{Name: "address", Usage: "opaque address, stored only"},
	},
	Action: func(c *cli.Context) error {
		return runGenerate(c, 0)
	},
}

var continueCmd = &cli.Command{
	Name:  "continue",
	Usage: "auto-continue generation from the resume record until complete",
	Action: func(c *cli.Context) error {
		return runAutoContinue(c)
	},
}

var continueSingleCmd = &cli.Command{
	Name:  "continue-single",
	Usage: "advance generation by exactly one run from the resume record",
	Action: func(c *cli.Context) error {
		return runContinueOnce(c, 0)
	},
}

var continueSingleSTCmd = &cli.Command{
	Name:  "continue-single-st",
	Usage: "like continue-single, forcing MaxThreads=1",
	Action: func(c *cli.Context) error {
		return runContinueOnce(c, 1)
	},
}

var exportCmd = &cli.Command{
	Name:  "export",
	Usage: "export the merged catalog to standard CSV",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, _, err := loadConfig(c)
		if err != nil {
			return err
		}
		cs := catalog.New(cfg.CatalogDir)
		f, err := os.Create(c.String("out"))
		if err != nil {
			return err
		}
		defer f.Close()
		return cs.ExportCSV(f)
	},
}

var summaryCmd = &cli.Command{
	Name:  "summary",
	Usage: "print catalog/store aggregate counts",
	Action: func(c *cli.Context) error {
		cfg, _, err := loadConfig(c)
		if err != nil {
			return err
		}
		cs := catalog.New(cfg.CatalogDir)
		rows, err := cs.ReadAll()
		if err != nil {
			return err
		}
		p := presenter.New(presenterMode(cfg))
		p.RenderSummary(presenter.Summary{Pending: len(rows)})
		return nil
	},
}

var infoCmd = &cli.Command{
	Name:  "info",
	Usage: "print catalog/store counts plus host resource stats",
	Action: func(c *cli.Context) error {
		cfg, _, err := loadConfig(c)
		if err != nil {
			return err
		}
		cs := catalog.New(cfg.CatalogDir)
		rows, err := cs.ReadAll()
		if err != nil {
			return err
		}
		host, err := presenter.CollectHostInfo()
		if err != nil {
			return err
		}
		p := presenter.New(presenterMode(cfg))
		p.RenderInfo(presenter.Summary{Pending: len(rows)}, host)
		return nil
	},
}

var setSizeCmd = &cli.Command{
	Name:      "set-size",
	Usage:     "persist a default batch size override to the config file",
	ArgsUsage: "<size>",
	Action: func(c *cli.Context) error {
		cfg, path, err := loadConfig(c)
		if err != nil {
			return err
		}
		size, err := strconv.ParseInt(c.Args().First(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size: %w", err)
		}
		cfg.BatchSize = size
		return config.Save(path, cfg)
	},
}

var setThreadsCmd = &cli.Command{
	Name:      "set-threads",
	Usage:     "persist a default thread count override to the config file",
	ArgsUsage: "<count>",
	Action: func(c *cli.Context) error {
		cfg, path, err := loadConfig(c)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(c.Args().First())
		if err != nil {
			return fmt.Errorf("invalid count: %w", err)
		}
		cfg.ThreadCount = n
		return config.Save(path, cfg)
	},
}

var batchDBSequentialCmd = &cli.Command{
	Name:  "batch-db-sequential",
	Usage: "dispatch against the SQL backing store, one GPU at a time",
	Flags: dispatchFlags(),
	Action: func(c *cli.Context) error {
		return runDispatch(c, false)
	},
}

var batchDBParallelCmd = &cli.Command{
	Name:  "batch-db-parallel",
	Usage: "dispatch against the SQL backing store, all configured GPUs concurrently",
	Flags: dispatchFlags(),
	Action: func(c *cli.Context) error {
		return runDispatch(c, true)
	},
}

var singleRunCmd = &cli.Command{
	Name:  "run-one",
	Usage: "run a single batch id on a single GPU (legacy single-run form)",
	Flags: append(dispatchFlags(), &cli.Uint64Flag{Name: "batch-id", Required: true}),
	Action: func(c *cli.Context) error {
		cfg, err := requireConfig(c)
		if err != nil {
			return err
		}
		st := store.NewSQLStore(cfg.SQLDSN)
		stop := &stopsignal.Signal{}
		installInterruptHandler(stop)
		pres := presenter.New(presenterMode(cfg))
		r := worker.New(st, outputparser.NotifyHit(stop.AsNotifyHit()), func(line string) { pres.Line(c.Int("gpu"), line) }, nil)

		b, ok, err := st.FetchByID(c.Context, c.Uint64("batch-id"))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("batch %d not found", c.Uint64("batch-id"))
		}
		_, err = r.Run(c.Context, worker.Job{
			BatchID: b.ID, GPUID: c.Int("gpu"), StartHex: b.Start,
			RangeBits: c.Int("range-bits"), Address: c.String("address"), XieboPath: c.String("xiebo-path"),
		})
		return err
	},
}

func dispatchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "gpu-ids", Usage: "comma-separated GPU ids, e.g. 0,1,2"},
		&cli.StringFlag{Name: "gpu-config", Usage: "per-GPU starting ids, e.g. 0:1000,1:5000 (supplements gpu-ids)"},
		&cli.IntFlag{Name: "gpu", Value: 0},
		&cli.Uint64Flag{Name: "from-id", Value: 0},
		&cli.IntFlag{Name: "max-batches", Value: 0},
		&cli.IntFlag{Name: "range-bits", Value: 24},
		&cli.StringFlag{Name: "address"},
		&cli.StringFlag{Name: "xiebo-path"},
	}
}

func requireConfig(c *cli.Context) (config.Config, error) {
	cfg, _, err := loadConfig(c)
	return cfg, err
}

func presenterMode(cfg config.Config) presenter.Mode {
	if cfg.PresenterMode == "bounded" {
		return presenter.ModeBounded
	}
	return presenter.ModeUnbounded
}

func runGenerate(c *cli.Context, startBatchID uint64) error {
	cfg, err := requireConfig(c)
	if err != nil {
		return err
	}
	stop := &stopsignal.Signal{}
	installInterruptHandler(stop)

	cs := catalog.New(cfg.CatalogDir)
	rs := resume.New(filepath.Join(cfg.CatalogDir, "nextbatch.txt"))
	ml, err := buildMirrorListener(c.Context, cfg)
	if err != nil {
		return err
	}
	gen := generator.New(cs, rs, ml, stop, nil)

	res, err := gen.Run(c.Context, generator.Params{
		StartHex:         c.String("start"),
		RangeBits:        c.Int("range-bits"),
		Address:          c.String("address"),
		TargetBatchSize:  big.NewInt(cfg.BatchSize),
		MaxBatchesPerRun: cfg.MaxBatchesPerRun,
		MaxThreads:       cfg.ThreadCount,
		StartBatchID:     startBatchID,
	})
	if err != nil {
		return err
	}
	rlog.Default.Info("generation run complete", "written", res.BatchesWritten, "total", res.TotalBatches, "complete", res.Complete)
	return nil
}

// runContinueOnce advances generation by one run; a threads value > 0
// overrides the configured thread count.
func runContinueOnce(c *cli.Context, threads int) error {
	cfg, err := requireConfig(c)
	if err != nil {
		return err
	}
	if threads > 0 {
		cfg.ThreadCount = threads
	}
	rs := resume.New(filepath.Join(cfg.CatalogDir, "nextbatch.txt"))
	rec, ok, err := rs.Load()
	if err != nil {
		return err
	}
	if !ok {
		rlog.Default.Info("no resume record found, nothing to continue")
		return nil
	}
	stop := &stopsignal.Signal{}
	installInterruptHandler(stop)
	return runGenerateFromRecord(c, cfg, rec, rec.BatchesGenerated, stop)
}

// runAutoContinue repeatedly advances generation until the partition
// completes. One stop signal is installed for the whole loop (not
// re-created per iteration) so an operator SIGINT actually terminates
// the loop instead of being silently dropped between iterations (§5).
func runAutoContinue(c *cli.Context) error {
	stop := &stopsignal.Signal{}
	installInterruptHandler(stop)

	for {
		if stop.Stopped() {
			return context.Canceled
		}
		cfg, err := requireConfig(c)
		if err != nil {
			return err
		}
		rs := resume.New(filepath.Join(cfg.CatalogDir, "nextbatch.txt"))
		rec, ok, err := rs.Load()
		if err != nil {
			return err
		}
		if !ok {
			rlog.Default.Info("partition complete, stopping auto-continue")
			return nil
		}
		if err := runGenerateFromRecord(c, cfg, rec, rec.BatchesGenerated, stop); err != nil {
			return err
		}
		if stop.Stopped() {
			return context.Canceled
		}
	}
}

func runGenerateFromRecord(c *cli.Context, cfg config.Config, rec resume.Record, startID uint64, stop *stopsignal.Signal) error {
	cs := catalog.New(cfg.CatalogDir)
	rs := resume.New(filepath.Join(cfg.CatalogDir, "nextbatch.txt"))
	ml, err := buildMirrorListener(c.Context, cfg)
	if err != nil {
		return err
	}
	gen := generator.New(cs, rs, ml, stop, nil)

	_, err = gen.Run(c.Context, generator.Params{
		StartHex:         rec.NextStartHex,
		RangeBits:        rec.OriginalRangeBits,
		Address:          rec.Address,
		TargetBatchSize:  big.NewInt(cfg.BatchSize),
		MaxBatchesPerRun: cfg.MaxBatchesPerRun,
		MaxThreads:       cfg.ThreadCount,
		StartBatchID:     startID,
	})
	return err
}

func runDispatch(c *cli.Context, parallel bool) error {
	cfg, err := requireConfig(c)
	if err != nil {
		return err
	}
	st := store.NewSQLStore(cfg.SQLDSN)
	if n, err := st.RecoverOrphaned(c.Context); err != nil {
		rlog.Default.Warn("orphan recovery failed", "err", err)
	} else if n > 0 {
		rlog.Default.Info("recovered orphaned in_progress rows", "count", n)
	}

	stop := &stopsignal.Signal{}
	installInterruptHandler(stop)
	pres := presenter.New(presenterMode(cfg))

	gpuIDs, err := parseIntList(c.String("gpu-ids"))
	if err != nil {
		return err
	}
	if len(gpuIDs) == 0 {
		gpuIDs = cfg.GPUIDs
	}
	maxBatches := c.Int("max-batches")
	if !c.IsSet("max-batches") {
		maxBatches = cfg.MaxBatchesPerRun
	}
	r := worker.New(st, outputparser.NotifyHit(stop.AsNotifyHit()), func(line string) { pres.Line(0, line) }, nil)
	d := dispatcher.New(st, r, stop, resume.New(filepath.Join(cfg.CatalogDir, "dispatch_resume.txt")), nil)

	params := dispatcher.Params{
		GPUIDs:           gpuIDs,
		FromID:           c.Uint64("from-id"),
		MaxBatchesPerRun: maxBatches,
		Address:          c.String("address"),
		RangeBits:        c.Int("range-bits"),
		XieboPath:        c.String("xiebo-path"),
	}

	if gc := c.String("gpu-config"); gc != "" {
		starts, err := parseGPUConfig(gc)
		if err != nil {
			return err
		}
		sum, err := d.RunGPUConfig(c.Context, starts, params)
		logDispatchSummary(sum)
		return err
	}

	var sum dispatcher.Summary
	if parallel {
		sum, err = d.RunParallel(c.Context, params)
	} else {
		sum, err = d.RunSequential(c.Context, params)
	}
	logDispatchSummary(sum)
	return err
}

func logDispatchSummary(sum dispatcher.Summary) {
	rlog.Default.Info("dispatch run complete",
		"launched", sum.Launched, "done", sum.Done, "failed", sum.Failed,
		"interrupted", sum.Interrupted, "found_yes", sum.FoundYes)
}

func parseIntList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid gpu id %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// parseGPUConfig parses "gpu_id:start_id,gpu_id:start_id,..." into the
// dispatcher's per-GPU starting points, supplementing the
// shared-counter model with the original multi-GPU config string.
func parseGPUConfig(s string) ([]dispatcher.GPUStart, error) {
	parts := strings.Split(s, ",")
	out := make([]dispatcher.GPUStart, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid gpu-config entry %q, want gpu:start", p)
		}
		gpu, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid gpu id in %q: %w", p, err)
		}
		start, err := strconv.ParseUint(kv[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start id in %q: %w", p, err)
		}
		out = append(out, dispatcher.GPUStart{GPUID: gpu, StartID: start})
	}
	return out, nil
}
