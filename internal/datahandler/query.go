package datahandler

import (
	"iter"
	"sort"
	"time"

	"cubesat-fsw/internal/telemetry"
)

// Filter selects frames. Zero fields match everything.
type Filter struct {
	Source  string
	Channel string
	FromSeq uint64
	ToSeq   uint64
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Match reports whether f satisfies the filter, ignoring Limit.
func (flt Filter) Match(f telemetry.Frame) bool {
	if flt.Source != "" && f.Source != flt.Source {
		return false
	}
	if flt.Channel != "" && f.Channel != flt.Channel {
		return false
	}
	if flt.FromSeq != 0 && f.Seq < flt.FromSeq {
		return false
	}
	if flt.ToSeq != 0 && f.Seq > flt.ToSeq {
		return false
	}
	if !flt.Since.IsZero() && f.Timestamp.Before(flt.Since) {
		return false
	}
	if !flt.Until.IsZero() && f.Timestamp.After(flt.Until) {
		return false
	}
	return true
}

// Cursor is a single-pass, ascending-seq view over a snapshot of the buffers.
type Cursor struct {
	frames []telemetry.Frame
	pos    int
	used   bool
}

// Next returns the next frame and false once the cursor is exhausted.
func (c *Cursor) Next() (telemetry.Frame, bool) {
	if c.pos >= len(c.frames) {
		return telemetry.Frame{}, false
	}
	f := c.frames[c.pos]
	c.pos++
	return f, true
}

// Len returns the number of frames not yet consumed.
func (c *Cursor) Len() int { return len(c.frames) - c.pos }

// All yields the remaining frames. The sequence can be ranged over once; a
// second range yields nothing.
func (c *Cursor) All() iter.Seq[telemetry.Frame] {
	return func(yield func(telemetry.Frame) bool) {
		if c.used {
			return
		}
		c.used = true
		for {
			f, ok := c.Next()
			if !ok || !yield(f) {
				return
			}
		}
	}
}

// Query captures the resident frames matching flt. Frames written after the
// call are not visible through the returned cursor.
func (h *Handler) Query(flt Filter) *Cursor {
	var out []telemetry.Frame
	for name, ch := range h.channels {
		if flt.Channel != "" && name != flt.Channel {
			continue
		}
		for _, f := range ch.ring.frames() {
			if flt.Match(f) {
				out = append(out, cloneFrame(f))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return &Cursor{frames: out}
}
