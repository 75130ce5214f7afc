package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fleetwarden/internal/api/client"
	"github.com/fleetwarden/internal/app"
	"github.com/fleetwarden/internal/config"
	"github.com/fleetwarden/internal/logging"
	"github.com/fleetwarden/internal/remediation"
	"github.com/fleetwarden/internal/report"
)

// Options are the flags shared by every command.
type Options struct {
	ConfigPath string
	Server     string
	Token      string
	JSON       bool
	NoColor    bool
	Verbose    bool
}

// AddFlags registers the shared flags on cmd.
func (o *Options) AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.ConfigPath, "config", "c", "", "Path to config.yaml (default ./config.yaml or /etc/fleetwarden/config.yaml)")
	flags.StringVar(&o.Server, "server", "", "Talk to a running daemon at this URL instead of acting locally")
	flags.StringVar(&o.Token, "token", "", "Bearer token for --server (default $FLEETWARDEN_API_TOKEN)")
	flags.BoolVar(&o.JSON, "json", false, "Print JSON instead of a table")
	flags.BoolVar(&o.NoColor, "no-color", false, "Disable colored output")
	flags.BoolVarP(&o.Verbose, "verbose", "v", false, "Log at debug level")
}

// ExitError carries a process exit code without an error message.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func (o *Options) remote() bool {
	return o.Server != ""
}

func (o *Options) client() *client.Client {
	token := o.Token
	if token == "" {
		token = os.Getenv("FLEETWARDEN_API_TOKEN")
	}
	return client.NewClient(o.Server, token)
}

// loadApp builds the engine locally. Interactive remediation prompts on the
// command's input and output.
func (o *Options) loadApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if o.Verbose {
		level = "debug"
	}
	return app.New(cfg,
		app.WithLogger(logging.NewWithWriter(cmd.ErrOrStderr(), level, cfg.Logging.JSON)),
		app.WithConfirmer(remediation.PromptConfirmer{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}),
	)
}

func (o *Options) useColor() bool {
	return !o.NoColor && !color.NoColor
}

func (o *Options) writeReport(w io.Writer, r report.Report) error {
	if o.JSON {
		return report.WriteJSON(w, r)
	}
	return report.WriteText(w, r, o.useColor())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
