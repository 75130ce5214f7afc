package commands

import "github.com/spf13/cobra"

// NewRootCommand assembles the fleetwarden CLI.
func NewRootCommand() *cobra.Command {
	opts := &Options{}
	cmd := &cobra.Command{
		Use:   "fleetwarden",
		Short: "fleetwarden - probe, alert on and repair a fleet of services",
		Long: `fleetwarden checks containers, HTTP endpoints, cluster services and host
metrics, alerts once per cooldown window on sustained failures and runs the
configured remediation. Run "check" from cron or talk to a running daemon
with --server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddFlags(cmd)

	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRestartCommand(opts))
	cmd.AddCommand(NewKillUnhealthyCommand(opts))
	cmd.AddCommand(NewRestartServiceCommand(opts))
	cmd.AddCommand(NewCooldownCommand(opts))
	cmd.AddCommand(NewAlertsCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInitCommand())

	return cmd
}
