// Package controlplane is the agent's only network boundary: it polls for and
// claims jobs and reports job status, metrics and logs back.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AgentIDHeader identifies the polling agent
const AgentIDHeader = "X-Agent-ID"

// maxErrorBody bounds how much of an error response is kept for diagnostics
const maxErrorBody = 4096

// Client is the interface for talking to the control plane
type Client interface {
	// Poll returns the next pending job, or nil when none is available
	Poll(ctx context.Context) (*JobDescription, error)
	// Claim takes exclusive ownership of a job
	Claim(ctx context.Context, jobID string) (*Claim, error)
	ReportStatus(ctx context.Context, jobID, token string, update StatusUpdate) error
	ReportMetrics(ctx context.Context, jobID, token string, m training.Metrics) error
	SendLogs(ctx context.Context, jobID, token string, lines []training.LogLine) error
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	AgentID string
	Timeout time.Duration
}

// HTTPClient implements Client over the control plane's JSON HTTP API
type HTTPClient struct {
	baseURL string
	apiKey  string
	agentID string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a new control-plane HTTP client
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) (*HTTPClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		agentID: cfg.AgentID,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

func (c *HTTPClient) Poll(ctx context.Context) (*JobDescription, error) {
	var resp pollResponse
	if err := c.do(ctx, "poll", http.MethodGet, "/api/agents/poll", c.apiKey, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Job != nil && resp.Job.ID == "" {
		return nil, &StatusError{Op: "poll", Code: http.StatusOK, Body: "job without id", Reason: ErrBadRequest}
	}
	return resp.Job, nil
}

func (c *HTTPClient) Claim(ctx context.Context, jobID string) (*Claim, error) {
	var resp claimResponse
	path := "/api/agents/claim/" + url.PathEscape(jobID)
	if err := c.do(ctx, "claim", http.MethodPost, path, c.apiKey, struct{}{}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &StatusError{Op: "claim", Code: http.StatusOK, Body: "claim refused", Reason: ErrClaimConflict}
	}
	if resp.JobToken == "" {
		return nil, &StatusError{Op: "claim", Code: http.StatusOK, Body: "missing job token", Reason: ErrBadRequest}
	}

	claim := &Claim{Token: resp.JobToken}
	if resp.Job != nil {
		claim.Job = *resp.Job
	}
	if claim.Job.ID == "" {
		claim.Job.ID = jobID
	}
	return claim, nil
}

func (c *HTTPClient) ReportStatus(ctx context.Context, jobID, token string, update StatusUpdate) error {
	path := "/api/agents/status/" + url.PathEscape(jobID)
	return c.do(ctx, "status", http.MethodPost, path, token, update, nil)
}

func (c *HTTPClient) ReportMetrics(ctx context.Context, jobID, token string, m training.Metrics) error {
	path := "/api/agents/metrics/" + url.PathEscape(jobID)
	return c.do(ctx, "metrics", http.MethodPost, path, token, m, nil)
}

func (c *HTTPClient) SendLogs(ctx context.Context, jobID, token string, lines []training.LogLine) error {
	path := "/api/agents/logs/" + url.PathEscape(jobID)
	return c.do(ctx, "logs", http.MethodPost, path, token, logBatch{Lines: lines}, nil)
}

// do performs one JSON request and maps failures onto the error taxonomy
func (c *HTTPClient) do(ctx context.Context, op, method, path, token string, body, out interface{}) (err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "controlplane."+op,
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	defer func() {
		result := observability.ResultSuccess
		if err != nil {
			result = observability.ResultError
		}
		observability.ControlPlaneRequestDurationSeconds.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
		observability.EndSpan(span, err)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrBadRequest, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrBadRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.agentID != "" {
		req.Header.Set(AgentIDHeader, c.agentID)
	}
	requestID := observability.GetRequestID(ctx)
	if requestID == "" {
		requestID = observability.GenerateRequestID()
	}
	req.Header.Set(observability.RequestIDHeader, requestID)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
	}
	defer resp.Body.Close()

	if reason := classify(resp.StatusCode); reason != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Op:     op,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
			Reason: reason,
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decode response: %v", op, ErrBadRequest, err)
	}
	return nil
}
