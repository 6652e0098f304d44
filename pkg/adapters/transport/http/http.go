package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	executePath = "/execute"
	healthPath  = "/health"

	maxResponseBytes = 4 << 20
)

// Transport delegates tasks to a remote agent over HTTP.
//
// Execute POSTs the TaskRequest as JSON to {endpoint}/execute and expects
// {"output": {...}} back. A non-2xx status, or a body carrying an "error"
// field, is an agent failure. HealthProbe GETs {endpoint}/health.
type Transport struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
	logger   *zap.Logger
}

// NewTransport creates a new HTTP transport for endpoint
func NewTransport(endpoint string, client *http.Client, headers map[string]string, logger *zap.Logger) (*Transport, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("http agent endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("http agent endpoint must be an http(s) URL: %s", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	return &Transport{
		endpoint: endpoint,
		client:   client,
		headers:  headers,
		logger:   logger,
	}, nil
}

// Endpoint returns the base URL of the remote agent
func (t *Transport) Endpoint() string {
	return t.endpoint
}

// Execute sends req to the remote agent
func (t *Transport) Execute(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+executePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Task-ID", req.TaskID)
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Warn("Agent returned error status",
			zap.String("task_id", req.TaskID),
			zap.String("endpoint", t.endpoint),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, errorMessage(body))
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() && e.Type != gjson.Null {
		msg := errorMessage(body)
		if msg == "" {
			msg = e.Raw
		}
		return nil, fmt.Errorf("agent reported failure: %s", msg)
	}

	var result ports.TaskResult
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("failed to decode agent response: %w", err)
		}
	}
	if result.Output == nil {
		result.Output = map[string]interface{}{}
	}
	return &result, nil
}

// HealthProbe checks the remote agent's health endpoint
func (t *Transport) HealthProbe(ctx context.Context) domain.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+healthPath, nil)
	if err != nil {
		return domain.HealthStatusUnhealthy
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("Agent health probe failed", zap.String("endpoint", t.endpoint), zap.Error(err))
		return domain.HealthStatusUnhealthy
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.HealthStatusUnhealthy
	}
	return domain.HealthStatusHealthy
}

// errorMessage extracts error.message, error, or message from a JSON body,
// falling back to the raw body text
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"error.message", "error", "message"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
