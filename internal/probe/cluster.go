package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/fleetwarden/internal/models"
)

const maxDiagnostics = 6

// ClusterChecker reads the tri-state severity of a clustered service, either
// from an HTTP status endpoint or from consul service checks.
type ClusterChecker struct {
	Client *http.Client
	Consul *consulapi.Client
}

func NewClusterChecker(client *http.Client, consul *consulapi.Client) *ClusterChecker {
	if client == nil {
		client = &http.Client{}
	}
	return &ClusterChecker{Client: client, Consul: consul}
}

func (c *ClusterChecker) Check(ctx context.Context, t models.Target) models.HealthSample {
	if t.Probe.ConsulService != "" {
		return c.checkConsul(ctx, t.Probe.ConsulService)
	}
	return c.checkHTTP(ctx, t.Probe.URL)
}

func (c *ClusterChecker) checkHTTP(ctx context.Context, url string) models.HealthSample {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.HealthSample{Status: models.StatusUnknown, Failure: models.FailureUnreachable, Detail: err.Error()}
	}
	resp, err := c.Client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return unreachableSample(ctx, err, latency)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return models.HealthSample{
			Status:    models.StatusUnreachable,
			Failure:   models.FailureUnreachable,
			Detail:    fmt.Sprintf("status endpoint returned HTTP %d", resp.StatusCode),
			LatencyMs: latency,
		}
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return models.HealthSample{
			Status:    models.StatusUnknown,
			Detail:    fmt.Sprintf("decode status: %v", err),
			LatencyMs: latency,
		}
	}
	status, _ := body["status"].(string)
	sample := severitySample(models.Severity(strings.ToLower(status)), diagnostics(body))
	sample.LatencyMs = latency
	return sample
}

func (c *ClusterChecker) checkConsul(ctx context.Context, service string) models.HealthSample {
	if c.Consul == nil {
		return models.HealthSample{
			Status:  models.StatusUnknown,
			Detail:  "consul client not configured",
			Failure: models.FailureUnreachable,
		}
	}
	start := time.Now()
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.Consul.Health().Service(service, "", false, opts)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return unreachableSample(ctx, err, latency)
	}
	if len(entries) == 0 {
		return models.HealthSample{
			Status:    models.StatusUnreachable,
			Failure:   models.FailureMissing,
			Detail:    fmt.Sprintf("no instances of %s registered", service),
			LatencyMs: latency,
		}
	}

	var critical, warning int
	for _, entry := range entries {
		switch aggregateChecks(entry.Checks) {
		case consulapi.HealthCritical:
			critical++
		case consulapi.HealthWarning:
			warning++
		}
	}
	severity := models.SeverityGreen
	switch {
	case critical == len(entries):
		severity = models.SeverityRed
	case critical > 0 || warning > 0:
		severity = models.SeverityYellow
	}
	detail := fmt.Sprintf("instances=%d critical=%d warning=%d", len(entries), critical, warning)
	sample := severitySample(severity, detail)
	sample.LatencyMs = latency
	return sample
}

func aggregateChecks(checks consulapi.HealthChecks) string {
	worst := consulapi.HealthPassing
	for _, check := range checks {
		switch check.Status {
		case consulapi.HealthCritical:
			return consulapi.HealthCritical
		case consulapi.HealthWarning:
			worst = consulapi.HealthWarning
		}
	}
	return worst
}

// severitySample maps a severity to a status. Red is unhealthy and degraded;
// yellow is still healthy.
func severitySample(sev models.Severity, detail string) models.HealthSample {
	s := models.HealthSample{Severity: sev}
	switch sev {
	case models.SeverityGreen, models.SeverityYellow:
		s.Status = models.StatusHealthy
	case models.SeverityRed:
		s.Status = models.StatusUnhealthy
		s.Failure = models.FailureDegraded
	default:
		s.Status = models.StatusUnknown
		s.Severity = ""
		detail = strings.TrimSpace(fmt.Sprintf("unrecognised status %q %s", sev, detail))
	}
	if detail == "" {
		detail = "status " + string(sev)
	} else if s.Severity != "" {
		detail = "status " + string(sev) + ": " + detail
	}
	s.Detail = detail
	return s
}

// diagnostics flattens the scalar fields of a status document, skipping the
// status itself.
func diagnostics(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k, v := range body {
		if k == "status" {
			continue
		}
		switch v.(type) {
		case string, float64, bool:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > maxDiagnostics {
		keys = keys[:maxDiagnostics]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, body[k]))
	}
	return strings.Join(parts, " ")
}
