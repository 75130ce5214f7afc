package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fleetwarden/internal/api"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/remediation"
)

type remediateFlags struct {
	yes    bool
	reason string
}

func (f *remediateFlags) add(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().StringVar(&f.reason, "reason", "manual", "Reason recorded with the action")
}

func NewRestartCommand(opts *Options) *cobra.Command {
	var (
		flags    remediateFlags
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "restart [target...]",
		Short: "Restart container targets sequentially or in parallel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := models.Strategy(strategy)
			if s != "" && s != models.StrategySequential && s != models.StrategyParallel {
				return fmt.Errorf("--strategy must be %s or %s", models.StrategySequential, models.StrategyParallel)
			}
			return runRemediation(cmd, opts, flags, api.RemediationRequest{
				Strategy: s,
				Targets:  args,
				Reason:   flags.reason,
			}, false)
		},
	}

	flags.add(cmd)
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "sequential or parallel (default: the target's configured restart strategy, else sequential)")
	return cmd
}

func NewKillUnhealthyCommand(opts *Options) *cobra.Command {
	var flags remediateFlags

	cmd := &cobra.Command{
		Use:   "kill-unhealthy [target...]",
		Short: "Force-kill container targets whose latest probe is unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemediation(cmd, opts, flags, api.RemediationRequest{
				Strategy: models.StrategyKillUnhealthy,
				Targets:  args,
				Reason:   flags.reason,
			}, true)
		},
	}

	flags.add(cmd)
	return cmd
}

func NewRestartServiceCommand(opts *Options) *cobra.Command {
	var flags remediateFlags

	cmd := &cobra.Command{
		Use:   "restart-service <service> [target...]",
		Short: "Restart a host service and re-probe the targets that depend on it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemediation(cmd, opts, flags, api.RemediationRequest{
				Strategy: models.StrategyServiceRestart,
				Service:  args[0],
				Targets:  args[1:],
				Reason:   flags.reason,
			}, false)
		},
	}

	flags.add(cmd)
	return cmd
}

// runRemediation executes req locally, or on the daemon with --server. With
// probeFirst the local registry is refreshed before the action runs.
func runRemediation(cmd *cobra.Command, opts *Options, flags remediateFlags, req api.RemediationRequest, probeFirst bool) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	if opts.remote() {
		action, err := opts.client().Remediate(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to run remediation: %w", err)
		}
		return printAction(out, opts, *action)
	}

	a, err := opts.loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := a.Registry.Resolve(req.Targets)
	if err != nil {
		return err
	}
	if probeFirst {
		a.Probe(ctx)
	}

	r := remediation.Request{
		Strategy:    req.Strategy,
		Targets:     targets,
		Reason:      req.Reason,
		Interactive: !flags.yes,
	}
	if r.Strategy == "" {
		r.Strategy = remediation.RestartStrategy(targets)
	}
	if req.Service != "" {
		r.Spec = &models.RemediationSpec{Service: req.Service}
	}

	action, err := a.Orchestrator.Execute(ctx, r)
	if err != nil {
		return err
	}
	return printAction(out, opts, action)
}

func printAction(w io.Writer, opts *Options, action remediation.Action) error {
	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(action); err != nil {
			return err
		}
	} else {
		switch {
		case action.Declined:
			fmt.Fprintln(w, "Cancelled.")
		case action.Noop:
			fmt.Fprintln(w, "Nothing to do.")
		default:
			tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tRESULT\tELAPSED\tDETAIL")
			for _, o := range action.Outcomes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.TargetID, o.Result, o.Elapsed, o.Detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}

	if !action.Succeeded() {
		return &ExitError{Code: 1}
	}
	return nil
}
