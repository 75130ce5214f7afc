package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fleetwarden/internal/alert"
	"github.com/fleetwarden/internal/api"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/remediation"
)

const defaultBaseURL = "http://localhost:8080"

// Client talks to a running fleetwarden daemon.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for baseURL. token is sent as a bearer token
// and is only needed for mutating calls.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Alerts(ctx context.Context, targetID string, result models.DispatchResult, limit int) ([]models.Alert, error) {
	query := url.Values{}
	if targetID != "" {
		query.Set("target", targetID)
	}
	if result != "" {
		query.Set("result", string(result))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}

	var alerts []models.Alert
	if err := c.get(ctx, "/api/v1/alerts?"+query.Encode(), &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *Client) Cooldowns(ctx context.Context) ([]alert.Cooldown, error) {
	var list []alert.Cooldown
	if err := c.get(ctx, "/api/v1/cooldowns", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) ResetCooldown(ctx context.Context, key string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/api/v1/cooldowns/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) Remediate(ctx context.Context, req api.RemediationRequest) (*remediation.Action, error) {
	var action remediation.Action
	if err := c.post(ctx, "/api/v1/remediations", req, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func (c *Client) get(ctx context.Context, endpoint string, v interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(ctx context.Context, endpoint string, data, v interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	target := strings.TrimRight(base.String(), "/") + endpoint

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return resp, nil
}
