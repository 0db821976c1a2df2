package config

import (
	"time"

	"github.com/flekschas/mcp-web/pkg/bridge"
)

// Config is the on-disk bridge configuration. Field tags mirror the YAML
// keys; durations are carried as integer milliseconds, matching how the
// frontend SDK and the wire express them.
type Config struct {
	// Name, Description, and Icon are published in initialize responses
	// and on plain GETs of the MCP endpoint.
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Icon        string `yaml:"icon,omitempty"`

	// Host is the bind address for every listener. Port serves both the
	// WebSocket and MCP surfaces unless WSPort or MCPPort split them.
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	WSPort  int    `yaml:"ws_port,omitempty"`
	MCPPort int    `yaml:"mcp_port,omitempty"`

	// AgentURL enables frontend-originated queries when non-empty.
	AgentURL string `yaml:"agent_url,omitempty"`

	MaxSessionsPerToken        int    `yaml:"max_sessions_per_token,omitempty"`
	OnSessionLimitExceeded     string `yaml:"on_session_limit_exceeded,omitempty"`
	MaxInFlightQueriesPerToken int    `yaml:"max_inflight_queries_per_token,omitempty"`

	// SessionMaxDurationMS caps a frontend session's age; zero disables
	// the age sweep. The remaining durations fall back to the defaults in
	// defaults.go when zero.
	SessionMaxDurationMS int64 `yaml:"session_max_duration_ms,omitempty"`
	ToolCallTimeoutMS    int64 `yaml:"tool_call_timeout_ms,omitempty"`
	QueryTimeoutMS       int64 `yaml:"query_timeout_ms,omitempty"`
	SweepIntervalMS      int64 `yaml:"sweep_interval_ms,omitempty"`
	MCPSessionTTLMS      int64 `yaml:"mcp_session_ttl_ms,omitempty"`

	ValidateToolInput bool `yaml:"validate_tool_input"`

	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig gates the metrics surface.
type TelemetryConfig struct {
	// PrometheusEnabled exposes /metrics on the MCP listener.
	PrometheusEnabled bool `yaml:"prometheus_enabled,omitempty"`

	// RuntimeMetrics adds Go runtime collectors to the Prometheus registry.
	RuntimeMetrics bool `yaml:"runtime_metrics,omitempty"`
}

// LimitPolicy converts on_session_limit_exceeded to the domain type. The
// validator has already rejected unknown values; an empty string maps to
// the reject default.
func (c *Config) LimitPolicy() bridge.LimitPolicy {
	if c.OnSessionLimitExceeded == "" {
		return bridge.LimitPolicyReject
	}
	return bridge.LimitPolicy(c.OnSessionLimitExceeded)
}

// WSListenPort returns the effective WebSocket listener port: ws_port when
// set, otherwise the shared port.
func (c *Config) WSListenPort() int {
	if c.WSPort != 0 {
		return c.WSPort
	}
	return c.Port
}

// MCPListenPort returns the effective MCP listener port: mcp_port when set,
// otherwise the shared port.
func (c *Config) MCPListenPort() int {
	if c.MCPPort != 0 {
		return c.MCPPort
	}
	return c.Port
}

// SessionMaxDuration returns session_max_duration_ms as a duration.
func (c *Config) SessionMaxDuration() time.Duration { return millis(c.SessionMaxDurationMS) }

// ToolCallTimeout returns tool_call_timeout_ms as a duration.
func (c *Config) ToolCallTimeout() time.Duration { return millis(c.ToolCallTimeoutMS) }

// QueryTimeout returns query_timeout_ms as a duration.
func (c *Config) QueryTimeout() time.Duration { return millis(c.QueryTimeoutMS) }

// SweepInterval returns sweep_interval_ms as a duration.
func (c *Config) SweepInterval() time.Duration { return millis(c.SweepIntervalMS) }

// MCPSessionTTL returns mcp_session_ttl_ms as a duration.
func (c *Config) MCPSessionTTL() time.Duration { return millis(c.MCPSessionTTLMS) }

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
