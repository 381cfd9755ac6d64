package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cubesat-fsw/internal/admin"
	"cubesat-fsw/internal/config"
	"cubesat-fsw/internal/hal/emulator"
	"cubesat-fsw/internal/logging"
	"cubesat-fsw/internal/observability"
	"cubesat-fsw/internal/scenario"
	"cubesat-fsw/internal/sink"
	"cubesat-fsw/internal/supervisor"
)

var (
	runProfile    string
	runSchema     string
	runDataDir    string
	runTick       time.Duration
	runPrintOnly  bool
	runFramesFile string
	runAdmin      string
	runTUI        string
	runLogFile    string
	runScenario   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the kernel on the emulated board and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := loadProfile(profileName(runProfile), runSchema)
		if err != nil {
			return err
		}
		if runDataDir != "" {
			profile.Data.Dir = runDataDir
		}
		if runTick > 0 {
			profile.Tick = runTick
		}
		if runTUI != "auto" && runTUI != "on" && runTUI != "off" {
			return fmt.Errorf("invalid --tui value %q (want auto, on or off)", runTUI)
		}

		tui := useTUI(runTUI, stdoutIsTerminal(), runPrintOnly) && os.Getenv("GREPTIMEDB_ENDPOINT") == ""
		var logOut io.Writer = os.Stderr
		if tui {
			logOut = io.Discard
		}
		logger, logCloser, err := logging.NewWithOptions(logging.Options{
			Level:  logLevel,
			Format: logFormat,
			File:   runLogFile,
			Output: logOut,
		})
		if err != nil {
			return err
		}
		defer logCloser.Close()

		boot := uuid.NewString()
		shutdownTracing, err := observability.InitTracingFromEnv("cubesat-fsw", boot)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdownTracing(context.Background())

		writer, observers, cleanup, err := newWriters(writerOptions{
			Profile:    profile.Name,
			PrintOnly:  runPrintOnly,
			TUI:        runTUI,
			FramesFile: runFramesFile,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer cleanup()
		mirror := sink.NewAsyncWriter(writer, 64, logger)
		defer mirror.Close()

		emu := emulator.New(profile.Board.Emulator)
		if runScenario != "" {
			sc, err := scenario.Resolve(runScenario)
			if err != nil {
				return err
			}
			observers = append(observers, scenario.NewRunner(sc, emu, logger))
		}

		sup, err := supervisor.Boot(supervisor.Options{
			Profile:   profile,
			Emulator:  emu,
			Mirror:    sink.Mirror(mirror),
			Logger:    logger,
			Observers: observers,
			Boot:      boot,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logging.NewContext(ctx, logger)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sup.Run(ctx) })
		if runAdmin != "" {
			srv := admin.NewServer(sup, profile.Data.LogPath(), logger)
			g.Go(func() error { return srv.Start(ctx, runAdmin) })
		}
		return g.Wait()
	},
}

func init() {
	runCmd.Flags().StringVar(&runProfile, "profile", "", "Built-in profile name or YAML path (default $FSW_PROFILE or flight)")
	runCmd.Flags().StringVar(&runSchema, "schema", "", "Optional CUE schema overriding the embedded one")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Directory of the durable telemetry log")
	runCmd.Flags().DurationVar(&runTick, "tick", 0, "Override the profile tick interval")
	runCmd.Flags().BoolVar(&runPrintOnly, "print-only", false, "Mirror frames to stdout only, ignoring GREPTIMEDB_ENDPOINT")
	runCmd.Flags().StringVar(&runFramesFile, "frames-file", "", "Also mirror frames to this JSONL file")
	runCmd.Flags().StringVar(&runAdmin, "admin", ":8080", "Admin HTTP listen address (empty disables)")
	runCmd.Flags().StringVar(&runTUI, "tui", "auto", "Terminal UI: auto, on or off")
	runCmd.Flags().StringVar(&runScenario, "scenario", "", "Bench scenario to play against the emulated board (built-in name or YAML path)")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "Rotated log file, written alongside stderr")
}

// loadProfile loads a profile, validates it against schemaPath when given and
// applies environment overrides.
func loadProfile(name, schemaPath string) (*config.Profile, error) {
	var (
		p   *config.Profile
		err error
	)
	if schemaPath != "" {
		p, err = config.LoadWithSchema(name, schemaPath)
	} else {
		p, err = config.Load(name)
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", name, err)
	}
	if err := p.ApplyEnv(); err != nil {
		return nil, err
	}
	return p, nil
}
