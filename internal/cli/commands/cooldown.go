package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwarden/internal/alert"
	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/database"
	"github.com/fleetwarden/internal/models"
)

func NewCooldownCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cooldown",
		Short:   "Inspect and reset alert cooldowns",
		Aliases: []string{"cooldowns", "cd"},
	}

	cmd.AddCommand(newCooldownListCommand(opts))
	cmd.AddCommand(newCooldownResetCommand(opts))

	return cmd
}

func newCooldownListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List alert keys and when they may fire again",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			var list []alert.Cooldown
			if opts.remote() {
				var err error
				list, err = opts.client().Cooldowns(ctx)
				if err != nil {
					return fmt.Errorf("failed to list cooldowns: %w", err)
				}
			} else {
				err := withDispatcher(cmd, opts, func(d *alert.Dispatcher) error {
					var err error
					list, err = d.Cooldowns(ctx)
					return err
				})
				if err != nil {
					return fmt.Errorf("failed to list cooldowns: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KEY\tLAST SENT\tWINDOW\tCOOLING DOWN")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n",
					c.AlertKey,
					formatAge(now, c.LastSentAt),
					c.Window,
					c.CoolingDown,
				)
			}
			return w.Flush()
		},
	}
}

func newCooldownResetCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Clear a cooldown so the next alert for key is sent immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			key := args[0]

			var err error
			if opts.remote() {
				err = opts.client().ResetCooldown(ctx, key)
			} else {
				err = withDispatcher(cmd, opts, func(d *alert.Dispatcher) error {
					return d.Reset(ctx, key)
				})
			}
			switch {
			case errors.Is(err, cooldown.ErrNotFound):
				return fmt.Errorf("no cooldown stored for %s", key)
			case err != nil:
				return fmt.Errorf("failed to reset cooldown: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cooldown %s reset\n", key)
			return nil
		},
	}
}

func withDispatcher(cmd *cobra.Command, opts *Options, fn func(d *alert.Dispatcher) error) error {
	a, err := opts.loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.Dispatcher)
}

func NewAlertsCommand(opts *Options) *cobra.Command {
	var (
		target string
		result string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "alerts",
		Short:   "List recent alert decisions",
		Aliases: []string{"alert", "a"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			alerts, err := fetchAlerts(ctx, cmd, opts, target, models.DispatchResult(result), limit)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(alerts)
			}

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TIME\tKEY\tLEVEL\tRESULT\tSUBJECT")
			for _, a := range alerts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.DecidedAt.Format(time.RFC3339),
					a.AlertKey,
					a.Level,
					a.Result,
					a.Subject,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "Filter by target id")
	cmd.Flags().StringVar(&result, "result", "", "Filter by result (SENT/SUPPRESSED/FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of alerts")
	return cmd
}

func fetchAlerts(ctx context.Context, cmd *cobra.Command, opts *Options, target string, result models.DispatchResult, limit int) ([]models.Alert, error) {
	if opts.remote() {
		return opts.client().Alerts(ctx, target, result, limit)
	}

	a, err := opts.loadApp(cmd)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	if a.Store == nil {
		return nil, errors.New("no history database configured")
	}
	return a.Store.Alerts(ctx, database.AlertQuery{TargetID: target, Result: result, Limit: limit})
}
