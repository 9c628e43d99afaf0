package config

import (
	"strings"
	"testing"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/rule"
	"github.com/mishabar410/policyshield/internal/service"
)

func TestSetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Addr != ":8100" {
		t.Errorf("server.addr = %q, want :8100", cfg.Server.Addr)
	}
	if cfg.Server.MaxRequestSize != 1<<20 {
		t.Errorf("server.max_request_size = %d, want %d", cfg.Server.MaxRequestSize, 1<<20)
	}
	if cfg.Server.MaxConcurrentChecks != 100 {
		t.Errorf("server.max_concurrent_checks = %d, want 100", cfg.Server.MaxConcurrentChecks)
	}
	if cfg.Server.RequestTimeoutSeconds != 30 || cfg.Server.ApprovalPollTimeoutSeconds != 30 {
		t.Errorf("server timeouts = %d/%d, want 30/30",
			cfg.Server.RequestTimeoutSeconds, cfg.Server.ApprovalPollTimeoutSeconds)
	}
	if cfg.Engine.Mode != "enforce" || cfg.Engine.FailMode != "closed" || cfg.Engine.TimeoutSeconds != 5 {
		t.Errorf("engine defaults = %s/%s/%d, want enforce/closed/5",
			cfg.Engine.Mode, cfg.Engine.FailMode, cfg.Engine.TimeoutSeconds)
	}
	if cfg.Rules.File != "policyshield.rules.yaml" {
		t.Errorf("rules.file = %q, want policyshield.rules.yaml", cfg.Rules.File)
	}
	if cfg.Session.MaxSessions != 10_000 || cfg.Session.TTLSeconds != 3600 || cfg.Session.EventCapacity != 128 {
		t.Errorf("session defaults = %d/%d/%d, want 10000/3600/128",
			cfg.Session.MaxSessions, cfg.Session.TTLSeconds, cfg.Session.EventCapacity)
	}
	if cfg.Approval.Backend != "memory" || cfg.Approval.TTLSeconds != 300 || cfg.Approval.TimeoutVerdict != "BLOCK" {
		t.Errorf("approval defaults = %s/%d/%s, want memory/300/BLOCK",
			cfg.Approval.Backend, cfg.Approval.TTLSeconds, cfg.Approval.TimeoutVerdict)
	}
	if cfg.Trace.Dir != "traces" || cfg.Trace.RetentionDays != 7 || cfg.Trace.MaxFileSizeMB != 100 {
		t.Errorf("trace defaults = %s/%d/%d, want traces/7/100",
			cfg.Trace.Dir, cfg.Trace.RetentionDays, cfg.Trace.MaxFileSizeMB)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %s/%s, want info/json", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestSetDefaultsSQLitePath(t *testing.T) {
	t.Parallel()

	cfg := Config{Approval: ApprovalConfig{Backend: "sqlite"}}
	cfg.SetDefaults()
	if cfg.Approval.SQLitePath != "policyshield-approvals.db" {
		t.Errorf("sqlite path = %q, want default", cfg.Approval.SQLitePath)
	}
}

func TestSetDefaultsDebugRaisesLogLevel(t *testing.T) {
	t.Parallel()

	cfg := Config{Debug: true}
	cfg.SetDefaults()
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}

	// An explicit level wins over the debug flag.
	cfg = Config{Debug: true, Log: LogConfig{Level: "warn"}}
	cfg.SetDefaults()
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
}

func validConfig() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Engine.Mode = "observe" },
			wantSub: "engine.mode",
		},
		{
			name:    "unknown fail mode",
			mutate:  func(c *Config) { c.Engine.FailMode = "maybe" },
			wantSub: "engine.fail_mode",
		},
		{
			name:    "missing rule file",
			mutate:  func(c *Config) { c.Rules.File = "" },
			wantSub: "rules.file",
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.Engine.TimeoutSeconds = -1 },
			wantSub: "engine.timeout_seconds",
		},
		{
			name:    "bad webhook url",
			mutate:  func(c *Config) { c.Approval.WebhookURL = "not a url" },
			wantSub: "approval.webhook_url",
		},
		{
			name:    "bad approval timeout verdict",
			mutate:  func(c *Config) { c.Approval.TimeoutVerdict = "MAYBE" },
			wantSub: "approval.timeout_verdict",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantSub: "log.level",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Approval.Backend = "sqlite"; c.Approval.SQLitePath = "" },
			wantSub: "sqlite_path",
		},
		{
			name:    "cors origin without scheme",
			mutate:  func(c *Config) { c.Server.CORSOrigins = []string{"example.com"} },
			wantSub: "cors_origins",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateCORSOrigins(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.CORSOrigins = []string{"https://ops.example.com", "http://localhost:3000", "*"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestEngineServiceConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Engine.Mode = "audit"
	cfg.Engine.FailMode = "open"
	cfg.Engine.TimeoutSeconds = 7
	cfg.Engine.Environment = "staging"
	cfg.Approval.TTLSeconds = 120
	cfg.Approval.TimeoutVerdict = "ALLOW"

	got := cfg.EngineServiceConfig()
	if got.Mode != rule.ModeAudit {
		t.Errorf("mode = %s, want audit", got.Mode)
	}
	if got.FailMode != service.FailOpen {
		t.Errorf("fail mode = %s, want open", got.FailMode)
	}
	if got.EngineTimeout != 7*time.Second {
		t.Errorf("engine timeout = %v, want 7s", got.EngineTimeout)
	}
	if got.ApprovalTTL != 2*time.Minute {
		t.Errorf("approval ttl = %v, want 2m", got.ApprovalTTL)
	}
	if got.ApprovalTimeoutVerdict != rule.VerdictAllow {
		t.Errorf("approval timeout verdict = %s, want ALLOW", got.ApprovalTimeoutVerdict)
	}
	if got.Environment != "staging" {
		t.Errorf("environment = %q, want staging", got.Environment)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if cfg.RequestTimeout() != 30*time.Second {
		t.Errorf("RequestTimeout() = %v, want 30s", cfg.RequestTimeout())
	}
	if cfg.ApprovalPollTimeout() != 30*time.Second {
		t.Errorf("ApprovalPollTimeout() = %v, want 30s", cfg.ApprovalPollTimeout())
	}
	if cfg.SessionTTL() != time.Hour {
		t.Errorf("SessionTTL() = %v, want 1h", cfg.SessionTTL())
	}
}
