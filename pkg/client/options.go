package client

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the PolicyShield server address.
// If not set, defaults to the POLICYSHIELD_SERVER_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIToken sets the bearer token for the check and approval-poll
// endpoints. If not set, defaults to the POLICYSHIELD_API_TOKEN environment
// variable.
func WithAPIToken(token string) Option {
	return func(c *Client) {
		c.apiToken = token
	}
}

// WithAdminToken sets the bearer token for the admin endpoints (reload,
// kill, resume, respond-approval, pending-approvals).
func WithAdminToken(token string) Option {
	return func(c *Client) {
		c.adminToken = token
	}
}

// WithFailMode sets the behavior when the server is unreachable. Valid
// values are "open" (allow on failure) and "closed" (error on failure).
// If not set, defaults to the POLICYSHIELD_FAIL_MODE environment variable
// or "closed".
func WithFailMode(mode string) Option {
	return func(c *Client) {
		c.failMode = mode
	}
}

// WithTimeout sets the HTTP request timeout. If not set, defaults to 10
// seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithSessionID sets the default session id applied to requests that do
// not carry one.
func WithSessionID(id string) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithSender sets the default sender identity for check requests.
func WithSender(sender string) Option {
	return func(c *Client) {
		c.sender = sender
	}
}

// WithRoles sets the default sender roles for check requests.
func WithRoles(roles []string) Option {
	return func(c *Client) {
		c.roles = roles
	}
}

// WithApprovalPoll sets the interval and maximum wait for approval polling
// performed by CheckTool when a call requires approval.
func WithApprovalPoll(interval, maxWait time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.pollMaxWait = maxWait
	}
}

// WithHTTPClient sets a custom http.Client for making requests. Useful for
// testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}
