package syncengine

import (
	"context"
	"sync"
)

// PendingWrite resolves once the server acknowledged or rejected a batch,
// or once every batch pending at registration time did.
type PendingWrite struct {
	BatchID int

	once sync.Once
	done chan struct{}
	err  error
}

func newPendingWrite(batchID int) *PendingWrite {
	return &PendingWrite{BatchID: batchID, done: make(chan struct{})}
}

func (w *PendingWrite) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Done is closed when the write resolved.
func (w *PendingWrite) Done() <-chan struct{} { return w.done }

// Err is the rejection error once Done is closed.
func (w *PendingWrite) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the write resolved or ctx ends.
func (w *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
