// Package rlog is the coordinator's structured logger: a small,
// level-gated logger with colored terminal output and an optional
// rotating file sink. Every component logs through here instead of
// bare fmt.Println; the Presenter's user-facing progress/result lines
// are a distinct channel and do not use this package.
package rlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgCyan),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled lines to a colored terminal stream and,
// optionally, a rotating file sink.
type Logger struct {
	mu       sync.Mutex
	minLevel Level
	term     io.Writer
	file     io.Writer
	colorize bool
}

// Option configures a Logger at construction time.
type Option func(*Logger)

// WithMinLevel sets the minimum level that reaches the terminal/file.
func WithMinLevel(l Level) Option {
	return func(lg *Logger) { lg.minLevel = l }
}

// WithFile adds a rotating file sink at path (10MB per file, 5 backups,
// 28-day retention), matching the teacher's lumberjack defaults.
func WithFile(path string) Option {
	return func(lg *Logger) {
		lg.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
}

// New builds a Logger writing to stderr (colorized when it's a
// terminal) plus whatever options request.
func New(opts ...Option) *Logger {
	lg := &Logger{
		minLevel: LevelInfo,
		term:     colorable.NewColorableStderr(),
		colorize: true,
	}
	for _, o := range opts {
		o(lg)
	}
	return lg
}

func (lg *Logger) log(level Level, msg string, kv ...any) {
	if level < lg.minLevel {
		return
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()

	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	line := formatKV(msg, kv)

	if lg.colorize {
		c := levelColor[level]
		fmt.Fprintf(lg.term, "%s %s %s\n", ts, c.Sprintf("%-5s", level.String()), line)
	} else {
		fmt.Fprintf(lg.term, "%s %-5s %s\n", ts, level.String(), line)
	}
	if lg.file != nil {
		fmt.Fprintf(lg.file, "%s %-5s %s\n", ts, level.String(), line)
	}
}

func formatKV(msg string, kv []any) string {
	out := msg
	for i := 0; i+1 < len(kv); i += 2 {
		out += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	return out
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.log(LevelDebug, msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.log(LevelInfo, msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.log(LevelWarn, msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.log(LevelError, msg, kv...) }

// Fatal logs at Error level and exits the process with status 1,
// matching the driver's "configuration error, exit non-zero" policy.
func (lg *Logger) Fatal(msg string, kv ...any) {
	lg.log(LevelError, msg, kv...)
	os.Exit(1)
}

// Default is the package-level logger that components use when they are
// not given their own; it writes to stderr only, with no file sink.
var Default = New()
