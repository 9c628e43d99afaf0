// Package client is the Go client for the PolicyShield HTTP API. It wraps
// the check, post-check, approval, and admin endpoints with typed methods
// and configurable fail-open/fail-closed degradation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mishabar410/policyshield/pkg/api"
)

// Client talks to a PolicyShield server.
type Client struct {
	serverAddr string
	apiToken   string
	adminToken string
	failMode   string
	timeout    time.Duration
	sessionID  string
	sender     string
	roles      []string

	pollInterval time.Duration
	pollMaxWait  time.Duration

	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a PolicyShield client. It reads configuration from
// POLICYSHIELD_* environment variables by default; options override.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   os.Getenv("POLICYSHIELD_SERVER_ADDR"),
		apiToken:     os.Getenv("POLICYSHIELD_API_TOKEN"),
		adminToken:   os.Getenv("POLICYSHIELD_ADMIN_TOKEN"),
		failMode:     envOrDefault("POLICYSHIELD_FAIL_MODE", "closed"),
		timeout:      parseDurationEnv("POLICYSHIELD_TIMEOUT", 10*time.Second),
		pollInterval: 2 * time.Second,
		pollMaxWait:  5 * time.Minute,
		logger:       slog.Default(),
	}
	if c.serverAddr == "" {
		c.serverAddr = "http://127.0.0.1:8100"
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Check submits one tool call for a verdict and returns the raw response.
// No error is returned for BLOCK; inspect the verdict. Transport failures
// degrade per the fail mode: fail-open synthesizes an ALLOW response,
// fail-closed returns *ServerUnreachableError.
func (c *Client) Check(ctx context.Context, req api.CheckRequest) (*api.CheckResponse, error) {
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	if req.Sender == "" {
		req.Sender = c.sender
	}
	if len(req.Roles) == 0 {
		req.Roles = c.roles
	}

	var resp api.CheckResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/check", c.apiToken, req, &resp)
	if err != nil {
		if isConnectionError(err) {
			if c.failMode == "open" {
				c.logger.Warn("policyshield server unreachable, failing open",
					"server_addr", c.serverAddr, "error", err)
				return &api.CheckResponse{
					Verdict:      "ALLOW",
					Message:      "server unreachable, fail-open",
					ModifiedArgs: req.Args,
				}, nil
			}
			return nil, &ServerUnreachableError{Cause: err}
		}
		return nil, err
	}
	return &resp, nil
}

// CheckTool evaluates one tool call end to end. BLOCK becomes a
// *BlockedError; APPROVE polls until the approval resolves, returning the
// final response or an error. The returned response's ModifiedArgs are the
// arguments to execute with.
func (c *Client) CheckTool(ctx context.Context, req api.CheckRequest) (*api.CheckResponse, error) {
	resp, err := c.Check(ctx, req)
	if err != nil {
		return nil, err
	}

	switch resp.Verdict {
	case "ALLOW", "REDACT":
		return resp, nil

	case "BLOCK":
		return nil, &BlockedError{
			RuleID:            resp.RuleID,
			Message:           resp.Message,
			Severity:          resp.Severity,
			RequestID:         resp.RequestID,
			RetryAfterSeconds: resp.RetryAfterSeconds,
		}

	case "APPROVE":
		return c.awaitApproval(ctx, req, resp)

	default:
		return resp, nil
	}
}

// Allowed is a convenience wrapper: true when the call may execute, false
// on BLOCK. Approval flows still block until resolution.
func (c *Client) Allowed(ctx context.Context, req api.CheckRequest) (bool, error) {
	_, err := c.CheckTool(ctx, req)
	if err != nil {
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// awaitApproval polls check-approval until the request resolves or the
// poll budget runs out. Approved calls are re-checked so the caller gets
// the cached-resolution verdict and sanitized arguments.
func (c *Client) awaitApproval(ctx context.Context, req api.CheckRequest, first *api.CheckResponse) (*api.CheckResponse, error) {
	deadline := time.Now().Add(c.pollMaxWait)
	if first.ApprovalExpiresAt != nil && first.ApprovalExpiresAt.Before(deadline) {
		deadline = *first.ApprovalExpiresAt
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		var status api.CheckApprovalResponse
		err := c.doRequest(ctx, http.MethodPost, "/api/v1/check-approval", c.apiToken,
			api.CheckApprovalRequest{ApprovalID: first.ApprovalID}, &status)
		if err != nil {
			c.logger.Warn("approval status poll failed",
				"approval_id", first.ApprovalID, "error", err)
			continue
		}

		switch status.AutoVerdict {
		case "ALLOW":
			return c.Check(ctx, req)
		case "BLOCK":
			return nil, &BlockedError{
				Message:   "approval " + status.Status,
				RequestID: first.RequestID,
			}
		}
		// Still pending.
	}
	return nil, &ApprovalTimeoutError{ApprovalID: first.ApprovalID}
}

// PostCheck reports a completed tool call's result and returns detected
// PII kinds plus a redacted copy.
func (c *Client) PostCheck(ctx context.Context, req api.PostCheckRequest) (*api.PostCheckResponse, error) {
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	var resp api.PostCheckResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/post-check", c.apiToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Constraints fetches the active policy digest.
func (c *Client) Constraints(ctx context.Context) (*api.ConstraintsResponse, error) {
	var resp api.ConstraintsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/constraints", c.apiToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches the engine health view.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the operator status report.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/status", c.apiToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reload asks the server to reload its rule file.
func (c *Client) Reload(ctx context.Context) (*api.ReloadResponse, error) {
	var resp api.ReloadResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/reload", c.adminAuth(), struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Kill engages the kill switch.
func (c *Client) Kill(ctx context.Context, reason string) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/kill", c.adminAuth(),
		api.KillRequest{Reason: reason}, nil)
}

// Resume releases the kill switch.
func (c *Client) Resume(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/resume", c.adminAuth(), struct{}{}, nil)
}

// RespondApproval resolves a pending approval.
func (c *Client) RespondApproval(ctx context.Context, approvalID string, approved bool, responder, comment string) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/respond-approval", c.adminAuth(),
		api.RespondApprovalRequest{
			ApprovalID: approvalID,
			Approved:   approved,
			Responder:  responder,
			Comment:    comment,
		}, nil)
}

// PendingApprovals lists unresolved approvals.
func (c *Client) PendingApprovals(ctx context.Context) ([]api.PendingApproval, error) {
	var resp api.PendingApprovalsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/pending-approvals", c.adminAuth(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// adminAuth returns the admin token, falling back to the API token.
func (c *Client) adminAuth() string {
	if c.adminToken != "" {
		return c.adminToken
	}
	return c.apiToken
}

// doRequest performs one HTTP round trip against the server.
func (c *Client) doRequest(ctx context.Context, method, path, token string, body, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var envelope api.ErrorResponse
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != "" {
			return &APIError{
				Code: envelope.Error,
				Err:  fmt.Errorf("server returned %d: %s", httpResp.StatusCode, envelope.Message),
			}
		}
		return &APIError{
			Code: fmt.Sprintf("HTTP_%d", httpResp.StatusCode),
			Err:  fmt.Errorf("server returned %d: %s", httpResp.StatusCode, string(respBody)),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// isConnectionError reports whether err is transport-level. Server HTTP
// errors carry *APIError and are not connection errors.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
