package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/flekschas/mcp-web/pkg/bridge"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultValidator implements configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate checks ranges, enum values, and URL shapes. Every problem is
// reported at once rather than one per run.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var errs []string

	if err := v.validateIdentity(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	errs = append(errs, v.validateListeners(cfg)...)
	if err := v.validateAgentURL(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	errs = append(errs, v.validateLimits(cfg)...)
	errs = append(errs, v.validateDurations(cfg)...)

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (*DefaultValidator) validateIdentity(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

func (*DefaultValidator) validateListeners(cfg *Config) []string {
	var errs []string
	if cfg.Host == "" {
		errs = append(errs, "host is required")
	}
	ports := []struct {
		key   string
		value int
	}{
		{"port", cfg.Port},
		{"ws_port", cfg.WSPort},
		{"mcp_port", cfg.MCPPort},
	}
	for _, p := range ports {
		if p.value < 0 || p.value > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 65535, got %d", p.key, p.value))
		}
	}
	if cfg.Port == 0 && (cfg.WSPort == 0 || cfg.MCPPort == 0) {
		errs = append(errs, "port is required unless both ws_port and mcp_port are set")
	}
	return errs
}

func (*DefaultValidator) validateAgentURL(cfg *Config) error {
	if cfg.AgentURL == "" {
		return nil
	}
	u, err := url.Parse(cfg.AgentURL)
	if err != nil {
		return fmt.Errorf("agent_url is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("agent_url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("agent_url is missing a host")
	}
	return nil
}

func (*DefaultValidator) validateLimits(cfg *Config) []string {
	var errs []string
	if cfg.MaxSessionsPerToken < 0 {
		errs = append(errs, "max_sessions_per_token must not be negative")
	}
	if cfg.MaxInFlightQueriesPerToken < 0 {
		errs = append(errs, "max_inflight_queries_per_token must not be negative")
	}
	if p := cfg.OnSessionLimitExceeded; p != "" && !bridge.LimitPolicy(p).Valid() {
		errs = append(errs, fmt.Sprintf("on_session_limit_exceeded must be %q or %q, got %q",
			bridge.LimitPolicyReject, bridge.LimitPolicyCloseOldest, p))
	}
	return errs
}

func (*DefaultValidator) validateDurations(cfg *Config) []string {
	var errs []string
	durations := []struct {
		key   string
		value int64
	}{
		{"session_max_duration_ms", cfg.SessionMaxDurationMS},
		{"tool_call_timeout_ms", cfg.ToolCallTimeoutMS},
		{"query_timeout_ms", cfg.QueryTimeoutMS},
		{"sweep_interval_ms", cfg.SweepIntervalMS},
		{"mcp_session_ttl_ms", cfg.MCPSessionTTLMS},
	}
	for _, d := range durations {
		if d.value < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative, got %d", d.key, d.value))
		}
	}
	return errs
}
