package sink

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"cubesat-fsw/internal/telemetry"
)

// ErrQueueFull is returned when an AsyncWriter drops a batch.
var ErrQueueFull = errors.New("sink: queue full")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("sink: writer closed")

// AsyncWriter hands batches to its own goroutine so a slow or hung sink never
// blocks the caller. Batches arriving while the queue is full are dropped.
type AsyncWriter struct {
	next    FrameWriter
	queue   chan []telemetry.Frame
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncWriter starts a writer that forwards to next through a queue of depth batches.
func NewAsyncWriter(next FrameWriter, depth int, logger *slog.Logger) *AsyncWriter {
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &AsyncWriter{
		next:   next,
		queue:  make(chan []telemetry.Frame, depth),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for batch := range w.queue {
		if err := WriteAll(w.next, batch); err != nil {
			w.logger.Warn("sink write failed", "frames", len(batch), "error", err)
		}
	}
}

func (w *AsyncWriter) Write(f telemetry.Frame) error {
	return w.WriteBatch([]telemetry.Frame{f})
}

// WriteBatch queues frames without blocking.
func (w *AsyncWriter) WriteBatch(frames []telemetry.Frame) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- frames:
		return nil
	default:
		w.dropped.Add(uint64(len(frames)))
		return ErrQueueFull
	}
}

// Dropped returns how many frames were dropped on a full queue.
func (w *AsyncWriter) Dropped() uint64 { return w.dropped.Load() }

// Close stops accepting batches and waits for the queued ones to be written.
// The wrapped writer is left open.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}
