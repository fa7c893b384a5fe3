package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func newDedupLogger(window time.Duration, maxEntries int) (*slog.Logger, *bytes.Buffer, clockwork.FakeClock) {
	var buf bytes.Buffer
	clock := clockwork.NewFakeClock()
	h := NewDedupHandlerWithConfig(NewTextHandler(&buf, nil), DedupHandlerConfig{
		Window:     window,
		MaxEntries: maxEntries,
		Clock:      clock,
	})
	return slog.New(h), &buf, clock
}

func TestDedupHandler_SuppressesWithinWindow(t *testing.T) {
	logger, buf, clock := newDedupLogger(time.Second, 0)

	for i := 0; i < 5; i++ {
		logger.Warn("stream closed", "kind", "listen")
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "stream closed"))

	clock.Advance(time.Second)
	logger.Warn("stream closed", "kind", "listen")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[1], "repeated=4")
	assert.NotContains(t, lines[0], "repeated")
}

func TestDedupHandler_DistinguishesContent(t *testing.T) {
	logger, buf, _ := newDedupLogger(time.Minute, 0)

	logger.Warn("stream closed", "kind", "listen")
	logger.Warn("stream closed", "kind", "write")
	logger.Error("stream closed", "kind", "listen")
	logger.With("component", "remote").Warn("stream closed", "kind", "listen")
	logger.WithGroup("g").Warn("stream closed", "kind", "listen")

	assert.Equal(t, 5, strings.Count(buf.String(), "stream closed"))
}

func TestDedupHandler_EvictsWhenFull(t *testing.T) {
	logger, buf, clock := newDedupLogger(time.Second, 2)

	logger.Info("a")
	logger.Info("b")
	clock.Advance(2 * time.Second)
	// Full: a and b have expired and are evicted to make room.
	logger.Info("c")
	logger.Info("c")

	assert.Equal(t, 1, strings.Count(buf.String(), " c\n"))
	assert.Equal(t, 1, strings.Count(buf.String(), " a\n"))
}

func TestDedupHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewDedupHandler(NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestDedupHandler_CloseStopsSuppression(t *testing.T) {
	var buf bytes.Buffer
	h := NewDedupHandlerWithConfig(NewTextHandler(&buf, nil), DedupHandlerConfig{
		Window: time.Minute,
		Clock:  clockwork.NewFakeClock(),
	})
	logger := slog.New(h)

	logger.Warn("stream closed")
	logger.Warn("stream closed")
	assert.Equal(t, 1, strings.Count(buf.String(), "stream closed"))

	assert.NoError(t, h.Close())
	logger.Warn("stream closed")
	logger.Warn("stream closed")
	assert.Equal(t, 3, strings.Count(buf.String(), "stream closed"))
	assert.NotContains(t, buf.String(), "repeated")
}
