package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
)

// DedupHandler suppresses records identical to one passed within the
// last window. A stream stuck in its backoff loop logs the same warning
// on every attempt; with dedup the console shows it once per window, the
// next occurrence carrying a "repeated" count of what was swallowed.
//
// Identity is level, message and attributes; the timestamp is ignored.
type DedupHandler struct {
	next  slog.Handler
	state *dedupState
	seed  uint64 // hash of attributes added through WithAttrs
}

type dedupState struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	window     time.Duration
	maxEntries int
	seen       map[uint64]*dedupEntry
	closed     bool
}

type dedupEntry struct {
	passed     time.Time
	suppressed int
}

// DedupHandlerConfig holds configuration for DedupHandler
type DedupHandlerConfig struct {
	Window     time.Duration
	MaxEntries int // tracked identities before stale ones are evicted
	Clock      clockwork.Clock
}

// DefaultDedupHandlerConfig returns default configuration
func DefaultDedupHandlerConfig() DedupHandlerConfig {
	return DedupHandlerConfig{
		Window:     10 * time.Second,
		MaxEntries: 1024,
		Clock:      clockwork.NewRealClock(),
	}
}

// NewDedupHandler creates a new deduplicating handler with default config
func NewDedupHandler(handler slog.Handler) *DedupHandler {
	return NewDedupHandlerWithConfig(handler, DefaultDedupHandlerConfig())
}

// NewDedupHandlerWithConfig creates a new deduplicating handler.
func NewDedupHandlerWithConfig(handler slog.Handler, cfg DedupHandlerConfig) *DedupHandler {
	defaults := DefaultDedupHandlerConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	return &DedupHandler{
		next: handler,
		state: &dedupState{
			clock:      cfg.Clock,
			window:     cfg.Window,
			maxEntries: cfg.MaxEntries,
			seen:       make(map[uint64]*dedupEntry),
		},
	}
}

func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	key := h.hashRecord(r)
	repeated, pass := h.state.admit(key)
	if !pass {
		return nil
	}
	if repeated > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("repeated", repeated))
	}
	return h.next.Handle(ctx, r)
}

func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	d := xxhash.New()
	writeUint64(d, h.seed)
	for _, a := range attrs {
		writeAttr(d, a)
	}
	return &DedupHandler{next: h.next.WithAttrs(attrs), state: h.state, seed: d.Sum64()}
}

func (h *DedupHandler) WithGroup(name string) slog.Handler {
	d := xxhash.New()
	writeUint64(d, h.seed)
	_, _ = d.WriteString("group:" + name)
	return &DedupHandler{next: h.next.WithGroup(name), state: h.state, seed: d.Sum64()}
}

// Close drops the tracked identities. Records logged afterwards pass
// through undeduplicated so that shutdown messages are never swallowed.
func (h *DedupHandler) Close() error {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.closed = true
	clear(h.state.seen)
	return nil
}

// admit reports whether the record passes and how many copies were
// suppressed since the last one that did.
func (s *dedupState) admit(key uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, true
	}
	now := s.clock.Now()
	if e, ok := s.seen[key]; ok {
		if now.Sub(e.passed) < s.window {
			e.suppressed++
			return 0, false
		}
		repeated := e.suppressed
		e.passed, e.suppressed = now, 0
		return repeated, true
	}

	if len(s.seen) >= s.maxEntries {
		s.evict(now)
	}
	s.seen[key] = &dedupEntry{passed: now}
	return 0, true
}

// evict drops identities whose window has expired, or everything if none
// has. Suppressed counts of dropped identities are lost.
func (s *dedupState) evict(now time.Time) {
	for k, e := range s.seen {
		if now.Sub(e.passed) >= s.window {
			delete(s.seen, k)
		}
	}
	if len(s.seen) >= s.maxEntries {
		clear(s.seen)
	}
}

func (h *DedupHandler) hashRecord(r slog.Record) uint64 {
	d := xxhash.New()
	writeUint64(d, h.seed)
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(d, a)
		return true
	})
	return d.Sum64()
}

func writeAttr(d *xxhash.Digest, a slog.Attr) {
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(a.Key)
	_, _ = d.WriteString("=")
	_, _ = d.WriteString(a.Value.Resolve().String())
}

func writeUint64(d *xxhash.Digest, v uint64) {
	var b [8]byte
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	_, _ = d.Write(b[:])
}
