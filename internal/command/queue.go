package command

import (
	"sync"

	"github.com/google/uuid"
)

// Queue is the bounded uplink FIFO between receivers and the processor. It is
// the only command path that may be used from other goroutines.
type Queue struct {
	mu      sync.Mutex
	items   []Request
	refused []Request
	depth   int
	dropped uint64
}

// NewQueue creates a queue holding at most depth requests.
func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{depth: depth}
}

// Push enqueues r, assigning an id when it has none. It fails with ErrQueueFull
// when the queue is at depth; the refused request is kept, up to depth of them,
// so the processor can record its rejection.
func (q *Queue) Push(r Request) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.depth {
		q.dropped++
		if len(q.refused) < q.depth {
			q.refused = append(q.refused, r)
		}
		return r.ID, ErrQueueFull
	}
	q.items = append(q.items, r)
	return r.ID, nil
}

// Drain removes and returns all queued requests in arrival order.
func (q *Queue) Drain() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// TakeRefused removes and returns the requests refused since the last call.
func (q *Queue) TakeRefused() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.refused
	q.refused = nil
	return out
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many pushes were refused.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// AckQueue keeps the most recent outcomes until their source collects them.
type AckQueue struct {
	mu    sync.Mutex
	items []Ack
	depth int
}

// NewAckQueue creates an ack queue that drops the oldest ack beyond depth.
func NewAckQueue(depth int) *AckQueue {
	if depth < 1 {
		depth = 1
	}
	return &AckQueue{depth: depth}
}

// Push appends a.
func (q *AckQueue) Push(a Ack) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.depth {
		q.items = q.items[1:]
	}
	q.items = append(q.items, a)
}

// Take removes and returns the acks for source, oldest first.
func (q *AckQueue) Take(source Source) []Ack {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Ack
	kept := q.items[:0]
	for _, a := range q.items {
		if a.Source == source {
			out = append(out, a)
		} else {
			kept = append(kept, a)
		}
	}
	q.items = kept
	return out
}

// Requeue puts back acks taken but not delivered, ahead of newer ones. The
// oldest acks beyond depth are dropped.
func (q *AckQueue) Requeue(acks []Ack) {
	if len(acks) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Ack, 0, len(acks)+len(q.items))
	items = append(items, acks...)
	items = append(items, q.items...)
	if over := len(items) - q.depth; over > 0 {
		items = items[over:]
	}
	q.items = items
}

// Lookup returns the ack for a request id without removing it.
func (q *AckQueue) Lookup(requestID string) (Ack, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.items) - 1; i >= 0; i-- {
		if q.items[i].RequestID == requestID {
			return q.items[i], true
		}
	}
	return Ack{}, false
}

// Len returns the number of held acks.
func (q *AckQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
