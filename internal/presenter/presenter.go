// Package presenter implements the thread-safe output formatter (C11):
// per-GPU colored line prefixing, progress/summary rendering, and an
// optional bounded-output mode (periodic clearing) for hosted-notebook
// environments.
package presenter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
)

// Mode selects unbounded (every line printed) or bounded (periodic
// clearing, for hosted-notebook environments) output.
type Mode int

const (
	ModeUnbounded Mode = iota
	ModeBounded
)

// Bounded-mode thresholds: clearing fires on whichever triggers first,
// per the resolved open question on coexisting thresholds.
const (
	maxBoundedLines  = 100
	clearInterval    = 3 * time.Minute
)

var gpuColors = []*color.Color{
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgMagenta),
	color.New(color.FgCyan),
	color.New(color.FgBlue),
	color.New(color.FgRed),
}

// Presenter serializes every user-visible line through one mutex.
type Presenter struct {
	mu          sync.Mutex
	out         io.Writer
	mode        Mode
	lineCount   int
	lastClear   time.Time
	lastProgress string
}

// New builds a Presenter writing to a colorable stdout.
func New(mode Mode) *Presenter {
	return &Presenter{
		out:       colorable.NewColorableStdout(),
		mode:      mode,
		lastClear: time.Now(),
	}
}

// colorFor deterministically assigns a color to a GPU id so repeated
// calls for the same GPU look consistent across a run.
func colorFor(gpu int) *color.Color {
	return gpuColors[gpu%len(gpuColors)]
}

// Line prints one pre-formatted output line (already carrying its
// "[GPU N][Batch M] " prefix) in that GPU's color, subject to the
// bounded-mode clearing policy and low-value-line filtering.
func (p *Presenter) Line(gpu int, line string) {
	if p.mode == ModeBounded && shouldSuppress(line) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c := colorFor(gpu)
	fmt.Fprintln(p.out, c.Sprint(line))
	p.lastProgress = line
	p.lineCount++

	if p.mode == ModeBounded && p.shouldClearLocked() {
		p.clearLocked()
	}
}

// shouldSuppress filters low-value lines in bounded mode: percent-wise
// progress reports not on a 5% boundary are dropped to keep the
// cleared view useful.
func shouldSuppress(line string) bool {
	idx := strings.Index(line, "%")
	if idx < 1 {
		return false
	}
	// Walk backward from '%' collecting digits.
	j := idx
	for j > 0 && (line[j-1] >= '0' && line[j-1] <= '9') {
		j--
	}
	if j == idx {
		return false
	}
	n := 0
	for _, r := range line[j:idx] {
		n = n*10 + int(r-'0')
	}
	return n%5 != 0
}

func (p *Presenter) shouldClearLocked() bool {
	return p.lineCount >= maxBoundedLines || time.Since(p.lastClear) >= clearInterval
}

func (p *Presenter) clearLocked() {
	// ANSI clear-screen-and-home, the terminal equivalent of the
	// original notebook tooling's clear_output().
	fmt.Fprint(p.out, "\033[2J\033[H")
	if p.lastProgress != "" {
		fmt.Fprintln(p.out, p.lastProgress)
	}
	p.lineCount = 0
	p.lastClear = time.Now()
}

// Notice prints an unprefixed, uncolored informational line (used for
// verb-level status like "generating..." or "dispatch complete").
func (p *Presenter) Notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, msg)
}

// Summary is the aggregate row set rendered by the summary/info verbs.
type Summary struct {
	Pending     int
	InProgress  int
	Done        int
	Failed      int
	Interrupted int
	FoundYes    int
}

// RenderSummary writes a human-readable table plus a machine-parsable
// line, satisfying §6's "summary and info verbs must produce
// machine-parsable aggregate counts as well as human summary."
func (p *Presenter) RenderSummary(s Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := tablewriter.NewWriter(p.out)
	table.SetHeader([]string{"status", "count"})
	table.Append([]string{"pending", itoa(s.Pending)})
	table.Append([]string{"in_progress", itoa(s.InProgress)})
	table.Append([]string{"done", itoa(s.Done)})
	table.Append([]string{"failed", itoa(s.Failed)})
	table.Append([]string{"interrupted", itoa(s.Interrupted)})
	table.Append([]string{"found_yes", itoa(s.FoundYes)})
	table.Render()

	fmt.Fprintf(p.out, "summary pending=%d in_progress=%d done=%d failed=%d interrupted=%d found_yes=%d\n",
		s.Pending, s.InProgress, s.Done, s.Failed, s.Interrupted, s.FoundYes)
}

// HostInfo supplements the info verb with host resource stats,
// alongside the catalog/store counts.
type HostInfo struct {
	CPUPercent  float64
	MemUsedPct  float64
	DiskUsedPct float64
}

// CollectHostInfo samples current host CPU/memory/disk utilization.
func CollectHostInfo() (HostInfo, error) {
	cpuPct, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return HostInfo{}, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return HostInfo{}, err
	}
	du, err := disk.Usage("/")
	if err != nil {
		return HostInfo{}, err
	}
	var c float64
	if len(cpuPct) > 0 {
		c = cpuPct[0]
	}
	return HostInfo{CPUPercent: c, MemUsedPct: vm.UsedPercent, DiskUsedPct: du.UsedPercent}, nil
}

// RenderInfo writes the info verb's table, folding host stats in
// alongside the catalog/store summary.
func (p *Presenter) RenderInfo(s Summary, h HostInfo) {
	p.RenderSummary(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "host cpu=%.1f%% mem=%.1f%% disk=%.1f%%\n", h.CPUPercent, h.MemUsedPct, h.DiskUsedPct)
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

// Stderr is a convenience Presenter writing to the process's stderr,
// for diagnostic-only callers that must not interleave with stdout.
func Stderr() *Presenter {
	return &Presenter{out: os.Stderr, mode: ModeUnbounded, lastClear: time.Now()}
}
