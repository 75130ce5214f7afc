package commands

import (
	"github.com/spf13/cobra"

	"github.com/fleetwarden/internal/app"
	"github.com/fleetwarden/internal/config"
)

// NewServeCommand runs the reconciliation loop and the HTTP API until the
// command's context is cancelled.
func NewServeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Verbose {
				cfg.Logging.Level = "debug"
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Logger.Info("fleetwarden starting",
				"targets", len(cfg.Targets),
				"interval", cfg.Loop.Interval,
				"api", cfg.Server.Enabled,
			)
			if err := a.Serve(commandContext(cmd)); err != nil {
				return err
			}
			a.Logger.Info("fleetwarden stopped")
			return nil
		},
	}
}
