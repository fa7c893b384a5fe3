package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syntrixbase/syntrix-sync/internal/config"
)

const (
	mainLogName  = "sync.log"
	errorLogName = "errors.log"
)

var (
	// Sinks closed by Shutdown, in registration order.
	closers   []io.Closer
	closersMu sync.Mutex

	consoleOut io.Writer = os.Stderr
)

// Initialize sets up the global logger based on configuration
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Debug("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
		"async", cfg.Async.Enabled,
	)
	return nil
}

// NewLogger creates a new logger instance with the given configuration.
// Console output goes to stderr so that command output on stdout stays
// machine readable.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		var handler slog.Handler = createHandler(consoleOut, cfg.Console.Format, parseLevel(cfg.Console.Level))
		if cfg.Console.Dedup {
			dedup := NewDedupHandler(handler)
			register(dedup)
			handler = dedup
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Main log file (all levels)
		mainOut := openLogFile(cfg, mainLogName)
		handlers = append(handlers, createHandler(mainOut, cfg.File.Format, parseLevel(cfg.File.Level)))

		// Error log file (warn and error only)
		errorOut := openLogFile(cfg, errorLogName)
		errorHandler := NewLevelFilter(createHandler(errorOut, cfg.File.Format, slog.LevelWarn), slog.LevelWarn)
		handlers = append(handlers, errorHandler)
	}

	switch len(handlers) {
	case 0:
		return slog.New(createHandler(io.Discard, cfg.Format, slog.LevelError)), nil
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(NewMultiHandler(handlers...)), nil
	}
}

// openLogFile returns a rotating file sink, buffered through an AsyncWriter
// when async logging is enabled.
func openLogFile(cfg config.LoggingConfig, name string) io.Writer {
	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	if !cfg.Async.Enabled {
		register(file)
		return file
	}

	aw := NewAsyncWriterWithConfig(file, AsyncWriterConfig{
		BufferSize:   cfg.Async.BufferSize,
		BatchSize:    cfg.Async.BatchSize,
		FlushTimeout: time.Duration(cfg.Async.FlushTimeout) * time.Millisecond,
	})
	// Closing the async writer drains it and then closes the file.
	register(aw)
	return aw
}

// Shutdown flushes pending records and closes all log sinks.
func Shutdown() error {
	closersMu.Lock()
	defer closersMu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log sink: %w", err))
		}
	}
	closers = nil
	return errors.Join(errs...)
}

func register(c io.Closer) {
	closersMu.Lock()
	defer closersMu.Unlock()
	closers = append(closers, c)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return NewTextHandler(w, opts)
}
