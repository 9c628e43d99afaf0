// Package config provides configuration loading for PolicyShield.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for policyshield.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("policyshield")
		viper.SetConfigType("yaml")
	}

	// Nested convention: POLICYSHIELD_SERVER_ADDR overrides server.addr.
	viper.SetEnvPrefix("POLICYSHIELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// findConfigFile searches standard locations for a policyshield config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policyshield"),
		"/etc/policyshield",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policyshield"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys binds config keys to their environment variables. The short
// POLICYSHIELD_* names below are the authoritative operational interface;
// the nested POLICYSHIELD_<SECTION>_<KEY> convention also works for every
// key via AutomaticEnv.
func bindEnvKeys() {
	// Authoritative short names.
	_ = viper.BindEnv("server.api_token", "POLICYSHIELD_API_TOKEN")
	_ = viper.BindEnv("server.admin_token", "POLICYSHIELD_ADMIN_TOKEN")
	_ = viper.BindEnv("server.cors_origins", "POLICYSHIELD_CORS_ORIGINS")
	_ = viper.BindEnv("server.max_request_size", "POLICYSHIELD_MAX_REQUEST_SIZE")
	_ = viper.BindEnv("server.max_concurrent_checks", "POLICYSHIELD_MAX_CONCURRENT_CHECKS")
	_ = viper.BindEnv("server.request_timeout_seconds", "POLICYSHIELD_REQUEST_TIMEOUT")
	_ = viper.BindEnv("server.approval_poll_timeout_seconds", "POLICYSHIELD_APPROVAL_POLL_TIMEOUT")
	_ = viper.BindEnv("engine.timeout_seconds", "POLICYSHIELD_ENGINE_TIMEOUT")
	_ = viper.BindEnv("engine.fail_mode", "POLICYSHIELD_FAIL_MODE")
	_ = viper.BindEnv("engine.mode", "POLICYSHIELD_MODE")
	_ = viper.BindEnv("log.format", "POLICYSHIELD_LOG_FORMAT")
	_ = viper.BindEnv("log.level", "POLICYSHIELD_LOG_LEVEL")
	_ = viper.BindEnv("debug", "POLICYSHIELD_DEBUG")
	_ = viper.BindEnv("rules.file", "POLICYSHIELD_RULES_FILE")

	// Nested keys without short aliases.
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("engine.environment")
	_ = viper.BindEnv("session.max_sessions")
	_ = viper.BindEnv("session.ttl_seconds")
	_ = viper.BindEnv("session.event_capacity")
	_ = viper.BindEnv("approval.backend")
	_ = viper.BindEnv("approval.sqlite_path")
	_ = viper.BindEnv("approval.ttl_seconds")
	_ = viper.BindEnv("approval.timeout_verdict")
	_ = viper.BindEnv("approval.webhook_url")
	_ = viper.BindEnv("trace.enabled")
	_ = viper.BindEnv("trace.dir")
	_ = viper.BindEnv("trace.retention_days")
	_ = viper.BindEnv("trace.max_file_size_mb")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and validates.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults but does
// not validate. Use when CLI flags may override fields before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// CORS origins may arrive as a comma-separated env string.
	if len(cfg.Server.CORSOrigins) == 1 && strings.Contains(cfg.Server.CORSOrigins[0], ",") {
		parts := strings.Split(cfg.Server.CORSOrigins[0], ",")
		cfg.Server.CORSOrigins = cfg.Server.CORSOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, p)
			}
		}
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
