package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetwarden/internal/cli/commands"
)

// fleetwardend is the daemon: the serve command as a standalone binary.
func main() {
	opts := &commands.Options{}
	cmd := commands.NewServeCommand(opts)
	cmd.Use = "fleetwardend"
	cmd.SilenceUsage = true
	opts.AddFlags(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		slog.Error("fleetwardend failed", "error", err)
		stop()
		os.Exit(1)
	}
}
