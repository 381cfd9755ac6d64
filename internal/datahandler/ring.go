package datahandler

import "cubesat-fsw/internal/telemetry"

// ring is a fixed-capacity drop-oldest buffer of frames.
type ring struct {
	buf      []telemetry.Frame
	head     int
	size     int
	overflow uint64
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]telemetry.Frame, capacity)}
}

// push appends f. When full, the oldest frame is evicted and returned.
func (r *ring) push(f telemetry.Frame) (telemetry.Frame, bool) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = f
		r.size++
		return telemetry.Frame{}, false
	}
	evicted := r.buf[r.head]
	r.buf[r.head] = f
	r.head = (r.head + 1) % len(r.buf)
	r.overflow++
	return evicted, true
}

// frames returns the resident frames, oldest first.
func (r *ring) frames() []telemetry.Frame {
	out := make([]telemetry.Frame, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int { return r.size }

func (r *ring) capacity() int { return len(r.buf) }
