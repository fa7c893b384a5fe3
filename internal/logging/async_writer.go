package logging

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("logging: async writer closed")

// AsyncWriter moves file writes off the logging goroutine. Entries are
// queued on a bounded channel and written in batches by one goroutine;
// a full queue blocks the caller rather than dropping records.
type AsyncWriter struct {
	writer  io.Writer
	entries chan []byte
	flushes chan chan struct{}
	done    chan struct{}
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool

	bufferSize   int
	batchSize    int
	flushTimeout time.Duration
}

// AsyncWriterConfig holds configuration for AsyncWriter
type AsyncWriterConfig struct {
	BufferSize   int           // queued entries before Write blocks
	BatchSize    int           // entries written per wake-up
	FlushTimeout time.Duration // max age of a partial batch
}

// DefaultAsyncWriterConfig returns default configuration
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		BufferSize:   10000,
		BatchSize:    100,
		FlushTimeout: 100 * time.Millisecond,
	}
}

// NewAsyncWriter creates a new AsyncWriter with default configuration
func NewAsyncWriter(w io.Writer) *AsyncWriter {
	return NewAsyncWriterWithConfig(w, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig creates a new AsyncWriter. Non-positive fields
// fall back to the defaults.
func NewAsyncWriterWithConfig(w io.Writer, cfg AsyncWriterConfig) *AsyncWriter {
	defaults := DefaultAsyncWriterConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaults.FlushTimeout
	}
	aw := &AsyncWriter{
		writer:       w,
		entries:      make(chan []byte, cfg.BufferSize),
		flushes:      make(chan chan struct{}),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		bufferSize:   cfg.BufferSize,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
	}
	go aw.run()
	return aw
}

// Write queues a copy of p.
func (aw *AsyncWriter) Write(p []byte) (int, error) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		return 0, ErrWriterClosed
	}
	entry := make([]byte, len(p))
	copy(entry, p)
	aw.entries <- entry
	return len(p), nil
}

// Flush blocks until every entry queued before the call is written.
func (aw *AsyncWriter) Flush() error {
	ack := make(chan struct{})
	select {
	case aw.flushes <- ack:
		<-ack
		return nil
	case <-aw.stopped:
		return ErrWriterClosed
	}
}

// Close drains the queue, stops the writer goroutine and closes the
// underlying writer if it is an io.Closer.
func (aw *AsyncWriter) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	aw.mu.Unlock()

	// No Write holds the read lock past this point, so nothing else
	// sends on entries.
	close(aw.done)
	<-aw.stopped

	if closer, ok := aw.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (aw *AsyncWriter) run() {
	defer close(aw.stopped)

	ticker := time.NewTicker(aw.flushTimeout)
	defer ticker.Stop()

	batch := make([][]byte, 0, aw.batchSize)
	write := func() {
		for _, entry := range batch {
			_, _ = aw.writer.Write(entry)
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case entry := <-aw.entries:
				batch = append(batch, entry)
				if len(batch) >= aw.batchSize {
					write()
				}
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case entry := <-aw.entries:
			batch = append(batch, entry)
			if len(batch) >= aw.batchSize {
				write()
			}
		case <-ticker.C:
			write()
		case ack := <-aw.flushes:
			drain()
			close(ack)
		case <-aw.done:
			drain()
			return
		}
	}
}
