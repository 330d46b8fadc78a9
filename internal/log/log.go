// Package log is the process-wide structured logger for rewind.
//
// It wraps log/slog. Records fan out to stderr (warn and above unless
// verbose) and, when a journal directory is configured, to a daily JSONL
// journal that always receives every level.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var (
	logger  *slog.Logger
	journal *Journal
)

// Options configures the logger.
type Options struct {
	// Verbose lowers the stderr level to debug.
	Verbose bool
	// JSONFormat writes stderr records as JSON instead of text.
	JSONFormat bool
	// JournalDir enables the JSONL journal when non-empty.
	JournalDir string
	// RetentionDays prunes journal files older than this many days (0 keeps all).
	RetentionDays int
	// Stderr overrides os.Stderr.
	Stderr io.Writer
}

// Init installs the global logger.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{stderrHandler(stderr, level, opts.JSONFormat)}

	Close()
	if opts.JournalDir != "" {
		if opts.RetentionDays > 0 {
			Prune(opts.JournalDir, opts.RetentionDays)
		}
		j, err := OpenJournal(opts.JournalDir)
		if err != nil {
			return err
		}
		journal = j
		handlers = append(handlers, slog.NewJSONHandler(j, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	logger = slog.New(fanout(handlers))
	slog.SetDefault(logger)
	return nil
}

// stderrHandler picks tint for terminals, otherwise text or JSON.
func stderrHandler(w io.Writer, level slog.Level, asJSON bool) slog.Handler {
	if asJSON {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// Close flushes and closes the journal, if any.
func Close() {
	if journal != nil {
		journal.Close()
		journal = nil
	}
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns a child logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// SetOutput routes every level to w as text. Tests use it.
func SetOutput(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

func init() {
	logger = slog.Default()
}
