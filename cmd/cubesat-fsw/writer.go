package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"cubesat-fsw/internal/sink"
	"cubesat-fsw/internal/supervisor"
)

// writerOptions selects the frame mirrors for a run or replay.
type writerOptions struct {
	Profile    string
	PrintOnly  bool
	TUI        string // auto, on or off
	FramesFile string
	Out        io.Writer
	Logger     *slog.Logger
}

// newWriters builds the frame writer from flags and env vars. The TUI doubles
// as a status observer. cleanup closes files and restores the terminal.
func newWriters(o writerOptions) (sink.FrameWriter, []supervisor.StatusObserver, func(), error) {
	base, observers, err := baseWriter(o)
	if err != nil {
		return nil, nil, nil, err
	}
	closers := []io.Closer{}
	if c, ok := base.(io.Closer); ok {
		closers = append(closers, c)
	}
	writer := base
	if o.FramesFile != "" {
		fw, err := sink.NewFileWriter(o.FramesFile, o.FramesFile+".commands")
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, nil, err
		}
		closers = append(closers, fw)
		writer = sink.NewMultiWriter(base, fw)
	}
	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	return writer, observers, cleanup, nil
}

// baseWriter chooses GreptimeDB when GREPTIMEDB_ENDPOINT is set, otherwise a
// terminal writer: the TUI on an interactive terminal, colored lines, or JSON.
func baseWriter(o writerOptions) (sink.FrameWriter, []supervisor.StatusObserver, error) {
	if endpoint := os.Getenv("GREPTIMEDB_ENDPOINT"); endpoint != "" && !o.PrintOnly {
		db := os.Getenv("GREPTIMEDB_DATABASE")
		if db == "" {
			db = "public"
		}
		var timeout time.Duration
		if env := os.Getenv("GREPTIMEDB_WRITE_TIMEOUT"); env != "" {
			d, err := time.ParseDuration(env)
			if err != nil || d <= 0 {
				return nil, nil, fmt.Errorf("invalid GREPTIMEDB_WRITE_TIMEOUT: %q", env)
			}
			timeout = d
		}
		w, err := sink.NewGreptimeWriter(endpoint, db, timeout, o.Logger)
		if err != nil {
			return nil, nil, err
		}
		return w, nil, nil
	}
	out := o.Out
	interactive := false
	if out == nil {
		out = os.Stdout
		interactive = stdoutIsTerminal()
	}
	switch {
	case useTUI(o.TUI, interactive, o.PrintOnly):
		tw := sink.NewTUIWriter(o.Profile)
		return tw, []supervisor.StatusObserver{tw}, nil
	case interactive:
		return sink.NewColorWriter(out, true), nil, nil
	default:
		return sink.NewJSONWriter(out), nil, nil
	}
}

func stdoutIsTerminal() bool { return term.IsTerminal(int(os.Stdout.Fd())) }

// useTUI resolves the --tui flag. "auto" picks the TUI only on an interactive
// terminal outside print-only mode.
func useTUI(mode string, interactive, printOnly bool) bool {
	switch mode {
	case "on":
		return true
	case "auto":
		return interactive && !printOnly
	default:
		return false
	}
}
