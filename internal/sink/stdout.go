package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"cubesat-fsw/internal/telemetry"
)

// JSONWriter prints frames as JSON lines.
type JSONWriter struct {
	out io.Writer
}

// NewJSONWriter creates a JSONWriter writing to out, or os.Stdout when out is nil.
func NewJSONWriter(out io.Writer) *JSONWriter {
	if out == nil {
		out = os.Stdout
	}
	return &JSONWriter{out: out}
}

func (w *JSONWriter) Write(f telemetry.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w.out, string(data))
	return err
}

func (w *JSONWriter) WriteBatch(frames []telemetry.Frame) error {
	for _, f := range frames {
		if err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// ColorWriter prints frames as colored key=value lines for a terminal.
type ColorWriter struct {
	out      io.Writer
	colors   map[string]string
	colorize bool
}

// NewColorWriter creates a ColorWriter. With colorize false it prints plain lines.
func NewColorWriter(out io.Writer, colorize bool) *ColorWriter {
	if out == nil {
		out = os.Stdout
	}
	return &ColorWriter{out: out, colors: make(map[string]string), colorize: colorize}
}

func (w *ColorWriter) Write(f telemetry.Frame) error {
	_, err := fmt.Fprintln(w.out, formatFrame(f, w.colors, w.colorize))
	return err
}

func (w *ColorWriter) WriteBatch(frames []telemetry.Frame) error {
	for _, f := range frames {
		if err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// formatFrame renders f as "[ts] #seq source/channel k=v ...", keys sorted.
func formatFrame(f telemetry.Frame, colors map[string]string, colorize bool) string {
	paint := func(c, s string) string {
		if !colorize {
			return s
		}
		return c + s + colorReset
	}
	var b strings.Builder
	b.WriteString(paint(colorGray, "["+f.Timestamp.UTC().Format(time.RFC3339)+"]"))
	fmt.Fprintf(&b, " #%d ", f.Seq)
	b.WriteString(paint(channelColor(colors, f.Channel), f.Source+"/"+f.Channel))

	keys := make([]string, 0, len(f.Payload))
	for k := range f.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := f.Payload[k]
		s := fmt.Sprint(v)
		if fv, ok := v.(float64); ok {
			s = fmt.Sprintf("%.3f", fv)
		}
		if k == "accepted" || k == "recovered" {
			if ok, _ := v.(bool); ok {
				s = paint(colorGreen, s)
			} else {
				s = paint(colorRed, s)
			}
		}
		fmt.Fprintf(&b, " %s=%s", k, s)
	}
	return b.String()
}
