// Package config provides the PolicyShield configuration schema.
//
// Configuration is file-based YAML with environment overrides. Every
// operationally sensitive knob has an authoritative POLICYSHIELD_* variable
// bound in loader.go; tokens are expected to come from the environment.
package config

import (
	"time"

	"github.com/mishabar410/policyshield/internal/domain/rule"
	"github.com/mishabar410/policyshield/internal/service"
)

// Config is the top-level PolicyShield configuration.
type Config struct {
	// Server configures the HTTP boundary.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Engine configures decision pipeline behavior.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// Rules locates the policy rule file.
	Rules RulesConfig `yaml:"rules" mapstructure:"rules"`

	// Session bounds per-session state.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Approval configures the approval backend and notification webhook.
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// Trace configures the JSONL decision trace.
	Trace TraceConfig `yaml:"trace" mapstructure:"trace"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" mapstructure:"debug"`
}

// ServerConfig configures the HTTP listener and its protections.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" mapstructure:"addr"`

	// APIToken authenticates check/post-check/approval-poll callers.
	// Empty disables API auth (development only).
	APIToken string `yaml:"api_token" mapstructure:"api_token"`

	// AdminToken authenticates admin endpoints (reload, kill, resume,
	// respond-approval, pending-approvals). Empty falls back to APIToken.
	AdminToken string `yaml:"admin_token" mapstructure:"admin_token"`

	// CORSOrigins is the allowed origin list. Empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`

	// MaxRequestSize caps request bodies in bytes (default 1048576).
	MaxRequestSize int64 `yaml:"max_request_size" mapstructure:"max_request_size" validate:"gte=0"`

	// MaxConcurrentChecks bounds in-flight check requests (default 100).
	MaxConcurrentChecks int `yaml:"max_concurrent_checks" mapstructure:"max_concurrent_checks" validate:"gte=0"`

	// RequestTimeoutSeconds bounds one HTTP request end to end (default 30).
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" mapstructure:"request_timeout_seconds" validate:"gte=0"`

	// ApprovalPollTimeoutSeconds bounds a blocking check-approval poll
	// (default 30).
	ApprovalPollTimeoutSeconds int `yaml:"approval_poll_timeout_seconds" mapstructure:"approval_poll_timeout_seconds" validate:"gte=0"`
}

// EngineConfig configures decision pipeline behavior.
type EngineConfig struct {
	// Mode is enforce, audit, or disabled (default enforce).
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=enforce audit disabled"`

	// FailMode is closed or open (default closed). Kill switch and honeypot
	// hits block regardless.
	FailMode string `yaml:"fail_mode" mapstructure:"fail_mode" validate:"omitempty,oneof=closed open"`

	// TimeoutSeconds bounds one pipeline run (default 5).
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds" validate:"gte=0"`

	// Environment is matched by rule context clauses (e.g. "production").
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// RulesConfig locates the policy rule file.
type RulesConfig struct {
	// File is the rule file path (default "policyshield.rules.yaml").
	File string `yaml:"file" mapstructure:"file" validate:"required"`
}

// SessionConfig bounds per-session state.
type SessionConfig struct {
	// MaxSessions bounds the session table (default 10000, LRU eviction).
	MaxSessions int `yaml:"max_sessions" mapstructure:"max_sessions" validate:"gte=0"`

	// TTLSeconds is the idle expiry (default 3600).
	TTLSeconds int `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"gte=0"`

	// EventCapacity is the per-session event ring size (default 128).
	EventCapacity int `yaml:"event_capacity" mapstructure:"event_capacity" validate:"gte=0"`
}

// ApprovalConfig configures the approval backend.
type ApprovalConfig struct {
	// Backend is memory or sqlite (default memory).
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`

	// SQLitePath is the database path for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// TTLSeconds is how long an approval waits before timing out (default 300).
	TTLSeconds int `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"gte=0"`

	// TimeoutVerdict is applied when an approval times out: BLOCK (default)
	// or ALLOW.
	TimeoutVerdict string `yaml:"timeout_verdict" mapstructure:"timeout_verdict" validate:"omitempty,oneof=BLOCK ALLOW"`

	// WebhookURL, when set, receives a POST for every new approval request.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
}

// TraceConfig configures the JSONL decision trace.
type TraceConfig struct {
	// Enabled turns trace recording on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Dir is the trace directory (default "traces").
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays keeps trace files this long (default 7).
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"gte=0"`

	// MaxFileSizeMB rotates files at this size (default 100).
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"gte=0"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error (default info).
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is json or text (default json).
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8100"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1 << 20
	}
	if c.Server.MaxConcurrentChecks == 0 {
		c.Server.MaxConcurrentChecks = 100
	}
	if c.Server.RequestTimeoutSeconds == 0 {
		c.Server.RequestTimeoutSeconds = 30
	}
	if c.Server.ApprovalPollTimeoutSeconds == 0 {
		c.Server.ApprovalPollTimeoutSeconds = 30
	}

	if c.Engine.Mode == "" {
		c.Engine.Mode = string(rule.ModeEnforce)
	}
	if c.Engine.FailMode == "" {
		c.Engine.FailMode = string(service.FailClosed)
	}
	if c.Engine.TimeoutSeconds == 0 {
		c.Engine.TimeoutSeconds = 5
	}

	if c.Rules.File == "" {
		c.Rules.File = "policyshield.rules.yaml"
	}

	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 10_000
	}
	if c.Session.TTLSeconds == 0 {
		c.Session.TTLSeconds = 3600
	}
	if c.Session.EventCapacity == 0 {
		c.Session.EventCapacity = 128
	}

	if c.Approval.Backend == "" {
		c.Approval.Backend = "memory"
	}
	if c.Approval.TTLSeconds == 0 {
		c.Approval.TTLSeconds = 300
	}
	if c.Approval.TimeoutVerdict == "" {
		c.Approval.TimeoutVerdict = string(rule.VerdictBlock)
	}
	if c.Approval.Backend == "sqlite" && c.Approval.SQLitePath == "" {
		c.Approval.SQLitePath = "policyshield-approvals.db"
	}

	if c.Trace.Dir == "" {
		c.Trace.Dir = "traces"
	}
	if c.Trace.RetentionDays == 0 {
		c.Trace.RetentionDays = 7
	}
	if c.Trace.MaxFileSizeMB == 0 {
		c.Trace.MaxFileSizeMB = 100
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Debug && c.Log.Level == "info" {
		c.Log.Level = "debug"
	}
}

// EngineServiceConfig converts to the service-layer config.
func (c *Config) EngineServiceConfig() service.Config {
	return service.Config{
		Mode:                   rule.Mode(c.Engine.Mode),
		FailMode:               service.FailMode(c.Engine.FailMode),
		EngineTimeout:          time.Duration(c.Engine.TimeoutSeconds) * time.Second,
		ApprovalTTL:            time.Duration(c.Approval.TTLSeconds) * time.Second,
		ApprovalTimeoutVerdict: rule.Verdict(c.Approval.TimeoutVerdict),
		Environment:            c.Engine.Environment,
	}
}

// RequestTimeout returns the HTTP request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ApprovalPollTimeout returns the blocking poll bound as a duration.
func (c *Config) ApprovalPollTimeout() time.Duration {
	return time.Duration(c.Server.ApprovalPollTimeoutSeconds) * time.Second
}

// SessionTTL returns the session idle expiry as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSeconds) * time.Second
}
