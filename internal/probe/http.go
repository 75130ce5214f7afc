package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetwarden/internal/models"
)

// HTTPChecker issues a GET and compares the response status.
type HTTPChecker struct {
	Client *http.Client
}

func NewHTTPChecker(client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPChecker{Client: client}
}

func (c *HTTPChecker) Check(ctx context.Context, t models.Target) models.HealthSample {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Probe.URL, nil)
	if err != nil {
		return models.HealthSample{
			Status:  models.StatusUnknown,
			Detail:  fmt.Sprintf("build request: %v", err),
			Failure: models.FailureUnreachable,
		}
	}

	resp, err := c.Client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return unreachableSample(ctx, err, latency)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	sample := models.HealthSample{
		LatencyMs: latency,
		Value:     float64(resp.StatusCode),
	}
	if statusOK(resp.StatusCode, t.Probe.ExpectedStatus) {
		sample.Status = models.StatusHealthy
		sample.Detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return sample
	}
	sample.Status = models.StatusUnhealthy
	if t.Probe.ExpectedStatus > 0 {
		sample.Detail = fmt.Sprintf("HTTP %d, expected %d", resp.StatusCode, t.Probe.ExpectedStatus)
	} else {
		sample.Detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return sample
}

func statusOK(code, expected int) bool {
	if expected > 0 {
		return code == expected
	}
	return code >= 200 && code < 300
}

// unreachableSample classifies a transport error as a timeout or an
// unreachable dependency.
func unreachableSample(ctx context.Context, err error, latency int64) models.HealthSample {
	failure := models.FailureUnreachable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		failure = models.FailureTimeout
	}
	return models.HealthSample{
		Status:    models.StatusUnreachable,
		Failure:   failure,
		Detail:    err.Error(),
		LatencyMs: latency,
	}
}
