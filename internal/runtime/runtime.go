// Package runtime abstracts the container/process runtime and the service
// manager the remediation strategies act on.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the referenced process no longer exists.
var ErrNotFound = errors.New("runtime: process not found")

// ProcessRef identifies a process known to the runtime.
type ProcessRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Key returns the identifier used when calling the runtime.
func (r ProcessRef) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// ProcessFilter narrows ListProcesses.
type ProcessFilter struct {
	Names []string
	Label string
	All   bool
}

// Health values reported by runtimes that support health checks.
const (
	HealthNone      = ""
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthStarting  = "starting"
)

// RawHealth is the runtime's unprocessed view of a process.
type RawHealth struct {
	Ref          ProcessRef
	State        string
	Running      bool
	Health       string
	StartedAt    time.Time
	RestartCount int
	CPUPercent   float64
	MemPercent   float64
}

// Runtime is the narrow contract the engine needs from a container runtime.
type Runtime interface {
	ListProcesses(ctx context.Context, filter ProcessFilter) ([]ProcessRef, error)
	InspectHealth(ctx context.Context, ref ProcessRef) (RawHealth, error)
	Restart(ctx context.Context, ref ProcessRef) error
	RestartAll(ctx context.Context, refs []ProcessRef) error
	Kill(ctx context.Context, ref ProcessRef) error
}

// ServiceManager restarts named host services.
type ServiceManager interface {
	RestartService(ctx context.Context, name string) error
}
