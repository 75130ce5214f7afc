package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/runtime"
)

// ContainerChecker maps the runtime's view of a container to a sample.
type ContainerChecker struct {
	Runtime runtime.Runtime
	Clock   clock.Clock
}

func NewContainerChecker(rt runtime.Runtime, c clock.Clock) *ContainerChecker {
	if c == nil {
		c = clock.System{}
	}
	return &ContainerChecker{Runtime: rt, Clock: c}
}

func (c *ContainerChecker) Check(ctx context.Context, t models.Target) models.HealthSample {
	raw, err := c.Runtime.InspectHealth(ctx, runtime.ProcessRef{Name: t.ContainerName()})
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return models.HealthSample{
				Status:  models.StatusUnreachable,
				Failure: models.FailureMissing,
				Detail:  fmt.Sprintf("container %s not found", t.ContainerName()),
			}
		}
		return unreachableSample(ctx, err, 0)
	}

	sample := models.HealthSample{
		CPUPercent:   raw.CPUPercent,
		MemPercent:   raw.MemPercent,
		RestartCount: raw.RestartCount,
	}
	if raw.Running && !raw.StartedAt.IsZero() {
		sample.Uptime = c.Clock.Now().Sub(raw.StartedAt)
	}

	if !raw.Running {
		sample.Status = models.StatusUnhealthy
		sample.Detail = fmt.Sprintf("container is %s", raw.State)
		return sample
	}

	switch raw.Health {
	case runtime.HealthHealthy:
		sample.Status = models.StatusHealthy
		sample.Detail = "healthy"
	case runtime.HealthUnhealthy:
		sample.Status = models.StatusUnhealthy
		sample.Detail = "health check failing"
	case runtime.HealthStarting:
		sample.Status = models.StatusStarting
		sample.Detail = "health check starting"
	case runtime.HealthNone:
		sample.Status = models.StatusHealthy
		sample.Detail = "running, no health check"
	default:
		sample.Status = models.StatusUnknown
		sample.Detail = fmt.Sprintf("health %q", raw.Health)
	}
	return sample
}
