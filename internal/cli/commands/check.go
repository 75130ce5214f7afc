package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwarden/internal/monitor"
	"github.com/fleetwarden/internal/report"
)

// NewCheckCommand runs one reconciliation cycle and exits 0 only when every
// target ended healthy or was remediated successfully. Meant for cron.
func NewCheckCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one probe, alert and remediate cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cycle := a.Check(commandContext(cmd))
			r := report.Build(a.Registry, time.Now())
			r.ExitCode = cycle.ExitCode

			out := cmd.OutOrStdout()
			if opts.JSON {
				if err := report.WriteJSON(out, r); err != nil {
					return err
				}
			} else {
				if err := report.WriteText(out, r, opts.useColor()); err != nil {
					return err
				}
				writeCycle(out, cycle)
			}

			if cycle.ExitCode != 0 {
				return &ExitError{Code: cycle.ExitCode}
			}
			return nil
		},
	}
}

func writeCycle(w io.Writer, cycle monitor.CycleReport) {
	for _, d := range cycle.Alerts {
		if d.Error != "" {
			fmt.Fprintf(w, "alert %s: %s (%s)\n", d.Key, d.Result, d.Error)
			continue
		}
		fmt.Fprintf(w, "alert %s: %s\n", d.Key, d.Result)
	}
	for _, action := range cycle.Remediations {
		fmt.Fprintf(w, "remediation %s\n", action.Summary())
	}
	for _, e := range cycle.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}
