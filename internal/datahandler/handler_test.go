package datahandler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubesat-fsw/internal/fault"
	"cubesat-fsw/internal/telemetry"
)

type memLog struct {
	frames []telemetry.Frame
	fail   int
	calls  int
}

func (m *memLog) Append(frames []telemetry.Frame) error {
	m.calls++
	if m.fail > 0 {
		m.fail--
		return errors.New("disk full")
	}
	m.frames = append(m.frames, frames...)
	return nil
}

func (m *memLog) Close() error { return nil }

type captureMirror struct {
	batches int
	last    []telemetry.Frame
	err     error
}

func (c *captureMirror) WriteBatch(frames []telemetry.Frame) error {
	c.batches++
	c.last = frames
	return c.err
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func write(t *testing.T, h *Handler, channel string, n int) []telemetry.Frame {
	t.Helper()
	out := make([]telemetry.Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := h.Write("eps", channel, map[string]any{"i": i}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func seqs(c *Cursor) []uint64 {
	var out []uint64
	for f := range c.All() {
		out = append(out, f.Seq)
	}
	return out
}

func TestRingDropsOldest(t *testing.T) {
	const capacity = 4
	h := New(Config{DefaultCapacity: capacity}, nil)
	write(t, h, "power", capacity+1)

	assert.Equal(t, []uint64{2, 3, 4, 5}, seqs(h.Query(Filter{Channel: "power"})))
	assert.Equal(t, uint64(1), h.Overflow("power"))
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	h := New(Config{Capacities: map[string]int{"power": 3}}, nil)
	write(t, h, "power", 50)
	st := h.Stats()
	assert.Equal(t, 3, st.Resident)
	assert.Equal(t, uint64(47), st.Overflows["power"])
}

func TestWriteAssignsMonotonicSeqAcrossChannels(t *testing.T) {
	h := New(Config{}, nil, WithBoot("b1"), WithStartSeq(10))
	a, _ := h.Write("eps", "power", nil, t0)
	b, _ := h.Write("adcs", "attitude", nil, t0)
	assert.Equal(t, uint64(10), a.Seq)
	assert.Equal(t, uint64(11), b.Seq)
	assert.Equal(t, "b1", b.Boot)
	assert.Equal(t, telemetry.SchemaVersion, b.SchemaVersion)
}

func TestWriteRejectsMissingChannel(t *testing.T) {
	h := New(Config{}, nil)
	_, err := h.Write("eps", "", nil, t0)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Equal(t, uint64(1), h.NextSeq())
}

func TestWriteCopiesPayload(t *testing.T) {
	h := New(Config{}, nil)
	p := map[string]any{"v": 7.4}
	_, err := h.Write("eps", "power", p, t0)
	require.NoError(t, err)
	p["v"] = 0.0
	f, ok := h.Query(Filter{}).Next()
	require.True(t, ok)
	assert.Equal(t, 7.4, f.Payload["v"])
}

func TestReturnedFramesDoNotAliasBuffer(t *testing.T) {
	h := New(Config{}, nil)
	written, err := h.Write("eps", "power", map[string]any{"v": 7.4}, t0)
	require.NoError(t, err)
	written.Payload["v"] = 1.0

	queried, ok := h.Query(Filter{}).Next()
	require.True(t, ok)
	assert.Equal(t, 7.4, queried.Payload["v"])
	queried.Payload["v"] = 2.0

	again, ok := h.Query(Filter{}).Next()
	require.True(t, ok)
	assert.Equal(t, 7.4, again.Payload["v"])
}

func TestMirrorReceivesCopies(t *testing.T) {
	m := &captureMirror{}
	h := New(Config{}, &memLog{}, WithMirror(m))
	_, err := h.Write("eps", "power", map[string]any{"v": 7.4}, t0)
	require.NoError(t, err)
	require.NoError(t, h.Flush().Err)
	require.Equal(t, 1, m.batches)
	m.last[0].Payload["v"] = 0.0

	f, ok := h.Query(Filter{}).Next()
	require.True(t, ok)
	assert.Equal(t, 7.4, f.Payload["v"])
}

func TestQueryIsSnapshot(t *testing.T) {
	h := New(Config{}, nil)
	write(t, h, "power", 3)
	c := h.Query(Filter{})
	write(t, h, "power", 2)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(c))
}

func TestQueryIsSinglePass(t *testing.T) {
	h := New(Config{}, nil)
	write(t, h, "power", 2)
	c := h.Query(Filter{})
	assert.Len(t, seqs(c), 2)
	assert.Empty(t, seqs(c))
	_, ok := c.Next()
	assert.False(t, ok)
}

func TestQueryMergesChannelsInSeqOrder(t *testing.T) {
	h := New(Config{}, nil)
	h.Write("eps", "power", nil, t0)
	h.Write("adcs", "attitude", nil, t0)
	h.Write("eps", "power", nil, t0)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(h.Query(Filter{})))
	assert.Equal(t, []uint64{2}, seqs(h.Query(Filter{Source: "adcs"})))
	assert.Equal(t, []uint64{2, 3}, seqs(h.Query(Filter{FromSeq: 2})))
	assert.Equal(t, []uint64{1}, seqs(h.Query(Filter{Limit: 1})))
}

func TestQueryTimeWindow(t *testing.T) {
	h := New(Config{}, nil)
	write(t, h, "power", 5)
	got := seqs(h.Query(Filter{Since: t0.Add(time.Second), Until: t0.Add(3 * time.Second)}))
	assert.Equal(t, []uint64{2, 3, 4}, got)
}

func TestFlushPersistsInBatches(t *testing.T) {
	log := &memLog{}
	mirror := &captureMirror{}
	h := New(Config{BatchSize: 2}, log, WithMirror(mirror))
	write(t, h, "power", 5)

	res := h.Flush()
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Persisted)
	assert.Equal(t, 3, log.calls)
	assert.Equal(t, 3, mirror.batches)
	assert.Len(t, log.frames, 5)

	// nothing new: no side effects
	res = h.Flush()
	assert.Equal(t, 0, res.Persisted)
	assert.Equal(t, 3, log.calls)
	assert.Equal(t, 0, h.Stats().Pending)
}

func TestFlushRetriesThenDrops(t *testing.T) {
	log := &memLog{fail: 10}
	h := New(Config{Retries: 2}, log)
	write(t, h, "power", 3)

	res := h.Flush()
	assert.ErrorIs(t, res.Err, fault.ErrStorage)
	assert.Equal(t, 3, log.calls)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 3, res.Dropped)

	st := h.Stats()
	assert.Equal(t, uint64(1), st.FlushErrors)
	assert.Equal(t, uint64(2), st.FlushRetries)
	assert.Equal(t, uint64(3), st.DroppedFrames)
	assert.Equal(t, 0, st.Pending)
	// frames stay readable in memory
	assert.Len(t, seqs(h.Query(Filter{})), 3)
}

func TestFlushRecoversAfterTransientFailure(t *testing.T) {
	log := &memLog{fail: 1}
	h := New(Config{Retries: 3}, log)
	write(t, h, "power", 2)
	res := h.Flush()
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, uint64(2), h.Stats().Persisted)
}

func TestMirrorFailureIsCounted(t *testing.T) {
	h := New(Config{}, &memLog{}, WithMirror(&captureMirror{err: errors.New("down")}))
	write(t, h, "power", 1)
	res := h.Flush()
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(1), h.Stats().MirrorFailures)
}

func TestEvictedBeforeFlushCountsAsDropped(t *testing.T) {
	h := New(Config{DefaultCapacity: 2}, &memLog{})
	write(t, h, "power", 3)
	assert.Equal(t, uint64(1), h.Stats().DroppedFrames)
	h.Flush()
	write(t, h, "power", 1)
	assert.Equal(t, uint64(1), h.Stats().DroppedFrames, "evicting a persisted frame is not a loss")
}
