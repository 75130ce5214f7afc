package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStopTimeoutSeconds = 10
	maxConcurrentRestarts     = 10
)

// Docker implements Runtime against the Docker Engine API.
type Docker struct {
	cli         *client.Client
	stopTimeout int
	withStats   bool
}

// DockerOption configures the Docker runtime.
type DockerOption func(*Docker)

// WithStopTimeout sets the graceful stop timeout used by restarts.
func WithStopTimeout(d time.Duration) DockerOption {
	return func(dk *Docker) {
		if d > 0 {
			dk.stopTimeout = int(d.Seconds())
		}
	}
}

// WithStats makes InspectHealth also sample CPU and memory usage.
func WithStats(enabled bool) DockerOption {
	return func(dk *Docker) {
		dk.withStats = enabled
	}
}

// NewDocker connects to the daemon at host, or the environment's default
// daemon when host is empty.
func NewDocker(host string, opts ...DockerOption) (*Docker, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewDockerWithClient(cli, opts...), nil
}

// NewDockerWithClient wraps an existing client.
func NewDockerWithClient(cli *client.Client, opts ...DockerOption) *Docker {
	d := &Docker{
		cli:         cli,
		stopTimeout: defaultStopTimeoutSeconds,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Close releases the underlying client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) ListProcesses(ctx context.Context, filter ProcessFilter) ([]ProcessRef, error) {
	args := filters.NewArgs()
	for _, name := range filter.Names {
		args.Add("name", name)
	}
	if filter.Label != "" {
		args.Add("label", filter.Label)
	}

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: filter.All, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	refs := make([]ProcessRef, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		refs = append(refs, ProcessRef{ID: c.ID, Name: name})
	}
	return refs, nil
}

func (d *Docker) InspectHealth(ctx context.Context, ref ProcessRef) (RawHealth, error) {
	info, err := d.cli.ContainerInspect(ctx, ref.Key())
	if err != nil {
		if client.IsErrNotFound(err) {
			return RawHealth{}, fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
		}
		return RawHealth{}, fmt.Errorf("inspect %s: %w", ref.Key(), err)
	}

	raw := RawHealth{Ref: ProcessRef{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}}
	if info.ContainerJSONBase != nil {
		raw.RestartCount = info.RestartCount
	}
	if info.State != nil {
		raw.State = info.State.Status
		raw.Running = info.State.Running
		if info.State.Health != nil {
			raw.Health = info.State.Health.Status
		}
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			raw.StartedAt = started
		}
	}

	if d.withStats && raw.Running {
		if cpu, mem, err := d.stats(ctx, ref.Key()); err == nil {
			raw.CPUPercent = cpu
			raw.MemPercent = mem
		}
	}
	return raw, nil
}

func (d *Docker) Restart(ctx context.Context, ref ProcessRef) error {
	timeout := d.stopTimeout
	if err := d.cli.ContainerRestart(ctx, ref.Key(), container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
		}
		return fmt.Errorf("restart %s: %w", ref.Key(), err)
	}
	return nil
}

// RestartAll restarts every ref concurrently and returns the first error.
func (d *Docker) RestartAll(ctx context.Context, refs []ProcessRef) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRestarts)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			return d.Restart(gctx, ref)
		})
	}
	return g.Wait()
}

func (d *Docker) Kill(ctx context.Context, ref ProcessRef) error {
	if err := d.cli.ContainerKill(ctx, ref.Key(), "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref.Key())
		}
		return fmt.Errorf("kill %s: %w", ref.Key(), err)
	}
	return nil
}

func (d *Docker) stats(ctx context.Context, id string) (float64, float64, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, err
	}

	memPercent := 0.0
	if stats.MemoryStats.Limit > 0 {
		memPercent = float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100.0
	}
	return calculateCPUPercentUnix(stats), memPercent, nil
}

func calculateCPUPercentUnix(stats types.StatsJSON) float64 {
	cpuPercent := 0.0
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)

	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta > 0.0 && cpuDelta > 0.0 {
		cpuPercent = (cpuDelta / systemDelta) * cpus * 100.0
	}
	return cpuPercent
}
