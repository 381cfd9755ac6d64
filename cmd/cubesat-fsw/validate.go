package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"cubesat-fsw/internal/config"
)

var validateSchema string

var validateCmd = &cobra.Command{
	Use:   "validate [profile...]",
	Short: "Validate mission profiles and print their task registry",
	Long:  "validate checks each profile against the CUE schema and the kernel rules. With no arguments every built-in profile is checked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			names = config.Builtin()
		}
		failed := 0
		for _, name := range names {
			p, err := loadProfile(name, validateSchema)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (v%s): tick %s, initial mode %s\n", p.Name, p.Version, p.Tick, p.InitialMode)
			renderTasks(cmd.OutOrStdout(), p)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d profiles invalid", failed, len(names))
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateSchema, "schema", "", "Optional CUE schema overriding the embedded one")
}

func renderTasks(w io.Writer, p *config.Profile) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ID", "Kind", "Period", "Prio", "Critical", "Enabled", "Watchdog", "Modes"})
	tw.SetAutoWrapText(false)
	for _, t := range p.Tasks {
		wdt := "-"
		if t.Watchdog != nil {
			wdt = fmt.Sprintf("%s x%d %s", t.Watchdog.MaxSilence, t.Watchdog.Threshold, t.Watchdog.Action)
		}
		tw.Append([]string{
			t.ID,
			t.Kind,
			t.Period.String(),
			strconv.Itoa(t.Priority),
			strconv.FormatBool(t.Critical),
			strconv.FormatBool(t.IsEnabled()),
			wdt,
			eligibleModes(p, t.ID),
		})
	}
	tw.Render()
}

// eligibleModes lists the modes whose eligibility set contains id, in profile order.
func eligibleModes(p *config.Profile, id string) string {
	out := ""
	for _, m := range p.Modes {
		for _, tid := range p.Eligibility[m] {
			if tid == id {
				if out != "" {
					out += ","
				}
				out += m
				break
			}
		}
	}
	if out == "" {
		return "-"
	}
	return out
}
