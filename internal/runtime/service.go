package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const maxOutputBytes = 4 * 1024

// ExecServiceManager restarts services by running a command with the service
// name appended, "systemctl restart <name>" by default.
type ExecServiceManager struct {
	Command []string
}

// NewSystemctl returns a manager that shells out to systemctl.
func NewSystemctl() *ExecServiceManager {
	return &ExecServiceManager{Command: []string{"systemctl", "restart"}}
}

func (m *ExecServiceManager) RestartService(ctx context.Context, name string) error {
	if len(m.Command) == 0 {
		return fmt.Errorf("service manager: no command configured")
	}
	args := append(append([]string(nil), m.Command[1:]...), name)
	cmd := exec.CommandContext(ctx, m.Command[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		output := strings.TrimSpace(string(out))
		if len(output) > maxOutputBytes {
			output = output[:maxOutputBytes]
		}
		if ctx.Err() != nil {
			return fmt.Errorf("restart service %s: %w", name, ctx.Err())
		}
		return fmt.Errorf("restart service %s: %v: %s", name, err, output)
	}
	return nil
}
