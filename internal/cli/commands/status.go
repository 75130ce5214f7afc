package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwarden/internal/report"
)

func NewStatusCommand(opts *Options) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Probe every target once and print the status table",
		Aliases: []string{"st"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			out := cmd.OutOrStdout()

			var show func() error
			if opts.remote() {
				c := opts.client()
				show = func() error {
					status, err := c.Status(ctx)
					if err != nil {
						return fmt.Errorf("failed to fetch status: %w", err)
					}
					return opts.writeReport(out, status.Report)
				}
			} else {
				a, err := opts.loadApp(cmd)
				if err != nil {
					return err
				}
				defer a.Close()
				show = func() error {
					a.Probe(ctx)
					return opts.writeReport(out, report.Build(a.Registry, time.Now()))
				}
			}

			if !watch {
				return show()
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := show(); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				fmt.Fprint(out, "\033[H\033[2J")
			}
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Refresh interval for --watch")
	return cmd
}
