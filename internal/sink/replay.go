package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"cubesat-fsw/internal/datahandler"
	"cubesat-fsw/internal/telemetry"
)

// pacer sleeps between frames so replay follows the recorded timeline. A
// speed above zero scales the gaps; zero or less replays without delay.
type pacer struct {
	speed float64
	prev  time.Time
}

func (p *pacer) wait(ctx context.Context, ts time.Time) error {
	defer func() { p.prev = ts }()
	if p.prev.IsZero() || p.speed <= 0 {
		return ctx.Err()
	}
	diff := time.Duration(float64(ts.Sub(p.prev)) / p.speed)
	if diff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(diff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplayJSONL replays frames written by FileWriter or JSONWriter.
func ReplayJSONL(ctx context.Context, r io.Reader, w FrameWriter, speed float64) error {
	dec := json.NewDecoder(r)
	p := pacer{speed: speed}
	for {
		var f telemetry.Frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := p.wait(ctx, f.Timestamp); err != nil {
			return err
		}
		if err := w.Write(f); err != nil {
			return err
		}
	}
}

// ReplayJSONLFile opens path and replays its frames.
func ReplayJSONLFile(ctx context.Context, path string, w FrameWriter, speed float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReplayJSONL(ctx, f, w, speed)
}

// ReplayLog replays the durable frame log at path, oldest segment first.
func ReplayLog(ctx context.Context, path string, w FrameWriter, speed float64) (datahandler.ReadStats, error) {
	p := pacer{speed: speed}
	return datahandler.ReadFrames(path, func(f telemetry.Frame) error {
		if err := p.wait(ctx, f.Timestamp); err != nil {
			return err
		}
		return w.Write(f)
	})
}
