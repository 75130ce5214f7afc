package remediation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fleetwarden/internal/models"
)

// Preview describes an action before it runs.
type Preview struct {
	Strategy models.Strategy
	Targets  []string
	Service  string
	Steps    []string
}

func (p Preview) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s\n", p.Strategy)
	if len(p.Targets) > 0 {
		fmt.Fprintf(&b, "Targets:  %s\n", strings.Join(p.Targets, ", "))
	}
	if p.Service != "" {
		fmt.Fprintf(&b, "Service:  %s\n", p.Service)
	}
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, step)
	}
	return b.String()
}

// Confirmer approves or rejects a preview.
type Confirmer interface {
	Confirm(ctx context.Context, p Preview) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, p Preview) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, p Preview) (bool, error) {
	return f(ctx, p)
}

// PromptConfirmer prints the preview and reads a y/N answer.
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer
}

func (c PromptConfirmer) Confirm(_ context.Context, p Preview) (bool, error) {
	fmt.Fprint(c.Out, p.String())
	fmt.Fprint(c.Out, "Proceed? [y/N]: ")
	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func preview(strategy models.Strategy, targets []models.Target, spec models.RemediationSpec) Preview {
	p := Preview{Strategy: strategy, Targets: targetIDs(targets)}
	switch strategy {
	case models.StrategySequential:
		for _, id := range p.Targets {
			p.Steps = append(p.Steps, fmt.Sprintf("restart %s, wait up to %s for healthy (poll every %s)", id, spec.MaxWait, spec.PollInterval))
		}
	case models.StrategyParallel:
		p.Steps = []string{fmt.Sprintf("restart %d targets at once", len(p.Targets))}
	case models.StrategyKillUnhealthy:
		for _, id := range p.Targets {
			p.Steps = append(p.Steps, fmt.Sprintf("force-kill %s (latest sample unhealthy)", id))
		}
	case models.StrategyServiceRestart:
		p.Service = spec.Service
		p.Steps = []string{
			fmt.Sprintf("restart service %s", spec.Service),
			fmt.Sprintf("wait %s, then re-probe (up to %d attempts)", spec.SettleTime.Round(time.Second), spec.MaxAttempts),
		}
	}
	return p
}
