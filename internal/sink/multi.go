package sink

import (
	"errors"
	"io"

	"cubesat-fsw/internal/telemetry"
)

// MultiWriter fans frames out to several writers. A failing writer does not
// stop delivery to the others.
type MultiWriter struct {
	writers []FrameWriter
}

// NewMultiWriter creates a MultiWriter over ws.
func NewMultiWriter(ws ...FrameWriter) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (mw *MultiWriter) Write(f telemetry.Frame) error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Write(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteBatch sends frames to every writer, using batches where supported.
func (mw *MultiWriter) WriteBatch(frames []telemetry.Frame) error {
	var errs []error
	for _, w := range mw.writers {
		if err := WriteAll(w, frames); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer that holds resources.
func (mw *MultiWriter) Close() error {
	var errs []error
	for _, w := range mw.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
