// Package queue implements the bounded packet FIFO, the single-shot timer
// worker, and select-style notification pools shared across the stack (C2).
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/metrics"
)

// Fifo is a byte-bounded queue of buffers. current_bytes always equals the
// sum of queued buffer sizes; Enqueue refuses once that sum would exceed
// maxBytes.
type Fifo struct {
	name         string
	mu           sync.Mutex
	cond         *sync.Cond
	maxBytes     int
	currentBytes int
	waitingCount int
	buffers      []*buffer.Buffer
}

// NewFifo creates a queue bounded at maxBytes. name labels the queue's
// metrics series; pass "" for an anonymous queue.
func NewFifo(maxBytes int, name string) *Fifo {
	f := &Fifo{maxBytes: maxBytes, name: name}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fifo) Enqueue(buf *buffer.Buffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentBytes+buf.Size() > f.maxBytes {
		metrics.FifoRejects.WithLabelValues(f.name).Inc()
		return errs.ErrNoBufferSpace
	}
	f.buffers = append(f.buffers, buf)
	f.currentBytes += buf.Size()
	metrics.FifoDepth.WithLabelValues(f.name).Set(float64(f.currentBytes))
	f.cond.Signal()
	return nil
}

// Dequeue pops the head buffer, or with peek=true clones it without
// consuming. dontWait returns ErrWouldBlock immediately if nothing is
// queued; otherwise it blocks until a buffer arrives or ctx ends.
func (f *Fifo) Dequeue(ctx context.Context, peek, dontWait bool) (*buffer.Buffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.buffers) == 0 {
		if dontWait {
			return nil, errs.ErrWouldBlock
		}
		f.waitingCount++
		err := f.waitLocked(ctx)
		f.waitingCount--
		if err != nil {
			return nil, err
		}
	}

	head := f.buffers[0]
	if peek {
		cloned := head.Clone(false)
		f.cond.Signal()
		return cloned, nil
	}
	f.buffers = f.buffers[1:]
	f.currentBytes -= head.Size()
	metrics.FifoDepth.WithLabelValues(f.name).Set(float64(f.currentBytes))
	return head, nil
}

// waitLocked blocks on the condition variable with f.mu held, woken by an
// Enqueue/peek Signal or by ctx ending.
func (f *Fifo) waitLocked(ctx context.Context) error {
	interrupted := false
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		interrupted = true
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	f.cond.Wait()
	stop()
	if interrupted {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errs.ErrTimedOut
		}
		return errs.ErrInterrupted
	}
	return nil
}

// Clear frees every queued buffer.
func (f *Fifo) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.buffers {
		b.Free()
	}
	f.buffers = nil
	f.currentBytes = 0
	metrics.FifoDepth.WithLabelValues(f.name).Set(0)
}

func (f *Fifo) CurrentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentBytes
}

func (f *Fifo) WaitingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitingCount
}
