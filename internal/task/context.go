package task

import (
	"log/slog"
	"time"

	"cubesat-fsw/internal/telemetry"
)

// SignalSink receives scalar observations that may cross a mode guard threshold.
type SignalSink interface {
	Observe(signal string, value float64, now time.Time)
}

// ParamReader exposes the runtime parameter document.
type ParamReader interface {
	Float(key string) (float64, bool)
	String(key string) (string, bool)
}

// Context is handed to a task for one invocation. It only exposes the
// capabilities a task may use; tasks never see the scheduler.
type Context struct {
	TaskID ID
	Mode   string
	Now    time.Time
	Logger *slog.Logger

	frames  telemetry.Recorder
	signals SignalSink
	params  ParamReader
}

// NewContext builds a per-invocation context. Any capability may be nil.
func NewContext(id ID, mode string, now time.Time, logger *slog.Logger, frames telemetry.Recorder, signals SignalSink, params ParamReader) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		TaskID:  id,
		Mode:    mode,
		Now:     now,
		Logger:  logger.With("task", string(id)),
		frames:  frames,
		signals: signals,
		params:  params,
	}
}

// Record writes a telemetry frame attributed to the running task.
func (c *Context) Record(channel string, payload map[string]any) error {
	if c.frames == nil {
		return nil
	}
	_, err := c.frames.Write(string(c.TaskID), channel, payload, c.Now)
	return err
}

// Signal reports an observation to the mode guards.
func (c *Context) Signal(name string, value float64) {
	if c.signals == nil {
		return
	}
	c.signals.Observe(name, value, c.Now)
}

// ParamFloat reads a numeric runtime parameter, falling back to def.
func (c *Context) ParamFloat(key string, def float64) float64 {
	if c.params == nil {
		return def
	}
	if v, ok := c.params.Float(key); ok {
		return v
	}
	return def
}

// ParamString reads a string runtime parameter, falling back to def.
func (c *Context) ParamString(key, def string) string {
	if c.params == nil {
		return def
	}
	if v, ok := c.params.String(key); ok {
		return v
	}
	return def
}
