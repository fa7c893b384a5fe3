package logging

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a thread-safe writer for testing
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	closed bool
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewAsyncWriterWithConfig_Defaults(t *testing.T) {
	aw := NewAsyncWriterWithConfig(&syncBuffer{}, AsyncWriterConfig{BatchSize: 7})
	defer aw.Close()

	assert.Equal(t, 10000, aw.bufferSize)
	assert.Equal(t, 7, aw.batchSize)
	assert.Equal(t, 100*time.Millisecond, aw.flushTimeout)
}

func TestAsyncWriter_FlushWritesQueuedEntries(t *testing.T) {
	out := &syncBuffer{}
	aw := NewAsyncWriterWithConfig(out, AsyncWriterConfig{BatchSize: 1000, FlushTimeout: time.Hour})
	defer aw.Close()

	for i := 0; i < 10; i++ {
		_, err := fmt.Fprintf(aw, "line %d\n", i)
		require.NoError(t, err)
	}
	require.NoError(t, aw.Flush())

	assert.Equal(t, 10, strings.Count(out.String(), "line"))
	assert.True(t, strings.HasPrefix(out.String(), "line 0\n"))
}

func TestAsyncWriter_TimeoutFlush(t *testing.T) {
	out := &syncBuffer{}
	aw := NewAsyncWriterWithConfig(out, AsyncWriterConfig{BatchSize: 100, FlushTimeout: 20 * time.Millisecond})
	defer aw.Close()

	_, err := aw.Write([]byte("single\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "single")
	}, time.Second, 5*time.Millisecond)
}

func TestAsyncWriter_CopiesInput(t *testing.T) {
	out := &syncBuffer{}
	aw := NewAsyncWriter(out)

	p := []byte("original\n")
	_, err := aw.Write(p)
	require.NoError(t, err)
	copy(p, "XXXXXXXX")

	require.NoError(t, aw.Close())
	assert.Equal(t, "original\n", out.String())
}

func TestAsyncWriter_CloseDrainsAndClosesUnderlying(t *testing.T) {
	out := &syncBuffer{}
	aw := NewAsyncWriterWithConfig(out, AsyncWriterConfig{BatchSize: 1000, FlushTimeout: time.Hour})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = fmt.Fprintf(aw, "g%d-%d\n", g, i)
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, aw.Close())
	assert.Equal(t, 200, strings.Count(out.String(), "\n"))
	assert.True(t, out.closed)

	// Close is idempotent and later writes fail.
	assert.NoError(t, aw.Close())
	_, err := aw.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.ErrorIs(t, aw.Flush(), ErrWriterClosed)
}
