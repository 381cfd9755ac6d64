// Package datahandler buffers telemetry frames per channel and flushes them to
// the durable log. It is the only writer of that log.
package datahandler

import (
	"log/slog"
	"sort"
	"time"

	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/telemetry"
)

// Mirror receives a copy of every batch after it has been persisted. Failures
// are counted, never retried. WriteBatch runs on the loop goroutine and must
// not block.
type Mirror interface {
	WriteBatch(frames []telemetry.Frame) error
}

// Config sizes the buffers and the flush policy.
type Config struct {
	DefaultCapacity int
	Capacities      map[string]int
	BatchSize       int
	Retries         int
}

type channel struct {
	name    string
	ring    *ring
	flushed uint64 // highest seq handed to the log (persisted or dropped)
}

// Handler owns the per-channel ring buffers and the durable log.
// It is not safe for concurrent use; the supervisor loop is its only caller.
type Handler struct {
	cfg    Config
	log    Log
	mirror Mirror
	logger *slog.Logger
	boot   string

	channels map[string]*channel
	nextSeq  uint64

	persisted      uint64
	flushRetries   uint64
	flushErrors    uint64
	dropped        uint64
	mirrorFailures uint64
}

// Option configures a Handler.
type Option func(*Handler)

// WithBoot stamps frames with the boot session id.
func WithBoot(id string) Option { return func(h *Handler) { h.boot = id } }

// WithStartSeq sets the sequence number of the first frame written.
func WithStartSeq(seq uint64) Option { return func(h *Handler) { h.nextSeq = seq } }

// WithMirror forwards persisted batches to m.
func WithMirror(m Mirror) Option { return func(h *Handler) { h.mirror = m } }

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// New creates a Handler. log may be nil, in which case flushing only advances the watermarks.
func New(cfg Config, log Log, opts ...Option) *Handler {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 64
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	h := &Handler{
		cfg:      cfg,
		log:      log,
		logger:   slog.Default(),
		channels: make(map[string]*channel),
		nextSeq:  1,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.nextSeq == 0 {
		h.nextSeq = 1
	}
	return h
}

func (h *Handler) channel(name string) *channel {
	ch, ok := h.channels[name]
	if !ok {
		capacity := h.cfg.DefaultCapacity
		if c, ok := h.cfg.Capacities[name]; ok && c > 0 {
			capacity = c
		}
		ch = &channel{name: name, ring: newRing(capacity)}
		h.channels[name] = ch
	}
	return ch
}

// Write appends a frame to its channel buffer, evicting the oldest frame when full.
func (h *Handler) Write(source, channelName string, payload map[string]any, now time.Time) (telemetry.Frame, error) {
	if channelName == "" {
		return telemetry.Frame{}, fault.Validation("frame channel is required")
	}
	if source == "" {
		return telemetry.Frame{}, fault.Validation("frame source is required")
	}
	f := telemetry.Frame{
		Seq:           h.nextSeq,
		Boot:          h.boot,
		Source:        source,
		Channel:       channelName,
		Timestamp:     now,
		SchemaVersion: telemetry.SchemaVersion,
		Payload:       copyPayload(payload),
	}
	h.nextSeq++
	ch := h.channel(channelName)
	if evicted, ok := ch.ring.push(f); ok && evicted.Seq > ch.flushed {
		h.dropped++
	}
	return cloneFrame(f), nil
}

// cloneFrame returns f with its own payload map, so callers never share the
// map held in a ring.
func cloneFrame(f telemetry.Frame) telemetry.Frame {
	f.Payload = copyPayload(f.Payload)
	return f
}

func cloneFrames(frames []telemetry.Frame) []telemetry.Frame {
	out := make([]telemetry.Frame, len(frames))
	for i, f := range frames {
		out[i] = cloneFrame(f)
	}
	return out
}

func copyPayload(p map[string]any) map[string]any {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// pending returns unflushed resident frames across all channels in sequence order.
func (h *Handler) pending() []telemetry.Frame {
	var out []telemetry.Frame
	for _, ch := range h.channels {
		for _, f := range ch.ring.frames() {
			if f.Seq > ch.flushed {
				out = append(out, f)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// FlushResult summarises one Flush call.
type FlushResult struct {
	Persisted int
	Dropped   int
	Retries   int
	Err       error
}

// Flush writes pending frames to the log in batches. A batch that still fails
// after the configured retries is dropped and the flush stops until the next call.
// Flush never returns an error to the caller; failures are reported in the result.
func (h *Handler) Flush() FlushResult {
	var res FlushResult
	frames := h.pending()
	batchSize := h.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(frames)
	}
	for len(frames) > 0 {
		n := min(batchSize, len(frames))
		batch := frames[:n]
		frames = frames[n:]

		err := h.appendWithRetry(batch, &res)
		h.markFlushed(batch)
		if err != nil {
			h.flushErrors++
			h.dropped += uint64(len(batch))
			res.Dropped += len(batch)
			res.Err = fault.Storage(err, "flush batch of %d frames", len(batch))
			h.logger.Warn("flush batch dropped", "frames", len(batch), "first_seq", batch[0].Seq, "error", err)
			return res
		}
		h.persisted += uint64(len(batch))
		res.Persisted += len(batch)
		if h.mirror != nil {
			if err := h.mirror.WriteBatch(cloneFrames(batch)); err != nil {
				h.mirrorFailures++
				h.logger.Debug("mirror write failed", "error", err)
			}
		}
	}
	return res
}

func (h *Handler) appendWithRetry(batch []telemetry.Frame, res *FlushResult) error {
	if h.log == nil {
		return nil
	}
	var err error
	for attempt := 0; attempt <= h.cfg.Retries; attempt++ {
		if attempt > 0 {
			h.flushRetries++
			res.Retries++
		}
		if err = h.log.Append(batch); err == nil {
			return nil
		}
	}
	return err
}

func (h *Handler) markFlushed(batch []telemetry.Frame) {
	for _, f := range batch {
		ch := h.channels[f.Channel]
		if f.Seq > ch.flushed {
			ch.flushed = f.Seq
		}
	}
}

// NextSeq returns the sequence number the next frame will receive.
func (h *Handler) NextSeq() uint64 { return h.nextSeq }

// Channels returns the known channel names, sorted.
func (h *Handler) Channels() []string {
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Overflow returns the overflow counter of a channel.
func (h *Handler) Overflow(channelName string) uint64 {
	if ch, ok := h.channels[channelName]; ok {
		return ch.ring.overflow
	}
	return 0
}

// Stats returns the handler counters.
func (h *Handler) Stats() telemetry.DataStats {
	s := telemetry.DataStats{
		NextSeq:        h.nextSeq,
		Persisted:      h.persisted,
		FlushRetries:   h.flushRetries,
		FlushErrors:    h.flushErrors,
		DroppedFrames:  h.dropped,
		MirrorFailures: h.mirrorFailures,
	}
	for name, ch := range h.channels {
		s.Resident += ch.ring.len()
		for _, f := range ch.ring.frames() {
			if f.Seq > ch.flushed {
				s.Pending++
			}
		}
		if ch.ring.overflow > 0 {
			if s.Overflows == nil {
				s.Overflows = make(map[string]uint64)
			}
			s.Overflows[name] = ch.ring.overflow
		}
	}
	return s
}

// Close closes the durable log.
func (h *Handler) Close() error {
	if h.log == nil {
		return nil
	}
	return h.log.Close()
}
