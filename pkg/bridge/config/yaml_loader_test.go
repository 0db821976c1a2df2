package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestYAMLLoaderLoad(t *testing.T) {
	t.Parallel()

	fullWant := &Config{
		Name:                       "Support Desk",
		Description:                "Browser tools for the support app",
		Icon:                       "https://example.com/icon.png",
		Host:                       "0.0.0.0",
		Port:                       DefaultPort,
		WSPort:                     3100,
		MCPPort:                    3200,
		AgentURL:                   "http://127.0.0.1:4000",
		MaxSessionsPerToken:        5,
		OnSessionLimitExceeded:     "close_oldest",
		MaxInFlightQueriesPerToken: 2,
		SessionMaxDurationMS:       7_200_000,
		ToolCallTimeoutMS:          10_000,
		QueryTimeoutMS:             120_000,
		SweepIntervalMS:            60_000,
		MCPSessionTTLMS:            1_800_000,
		ValidateToolInput:          false,
		Telemetry:                  TelemetryConfig{PrometheusEnabled: true, RuntimeMetrics: true},
	}

	minimalWant := Default()
	minimalWant.Name = "Minimal"

	tests := []struct {
		name string
		yaml string
		want *Config
	}{
		{
			name: "full config",
			yaml: `
name: Support Desk
description: Browser tools for the support app
icon: https://example.com/icon.png
host: 0.0.0.0
ws_port: 3100
mcp_port: 3200
agent_url: http://127.0.0.1:4000
max_sessions_per_token: 5
on_session_limit_exceeded: close_oldest
max_inflight_queries_per_token: 2
session_max_duration_ms: 7200000
tool_call_timeout_ms: 10000
query_timeout_ms: 120000
validate_tool_input: false
telemetry:
  prometheus_enabled: true
  runtime_metrics: true
`,
			want: fullWant,
		},
		{
			name: "minimal config keeps defaults",
			yaml: `name: Minimal`,
			want: minimalWant,
		},
		{
			name: "empty file yields defaults",
			yaml: "",
			want: Default(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := NewYAMLLoader(writeConfigFile(t, tt.yaml)).Load()
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, cfg); diff != "" {
				t.Errorf("loaded config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestYAMLLoaderExpandsEnvReferences(t *testing.T) {
	t.Setenv("WEBMCP_TEST_AGENT", "http://agent.internal:9000")

	cfg, err := NewYAMLLoader(writeConfigFile(t, "name: Env\nagent_url: ${WEBMCP_TEST_AGENT}\n")).Load()
	require.NoError(t, err)
	assert.Equal(t, "http://agent.internal:9000", cfg.AgentURL)
}

func TestYAMLLoaderLeavesBareDollarAlone(t *testing.T) {
	t.Parallel()

	cfg, err := NewYAMLLoader(writeConfigFile(t, "name: $100 tool desk\n")).Load()
	require.NoError(t, err)
	assert.Equal(t, "$100 tool desk", cfg.Name)
}

func TestYAMLLoaderRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := NewYAMLLoader(writeConfigFile(t, "name: X\nmax_session_per_token: 3\n")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_session_per_token")
}

func TestYAMLLoaderMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewYAMLLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestYAMLLoaderMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := NewYAMLLoader(writeConfigFile(t, "name: [unterminated\n")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}
