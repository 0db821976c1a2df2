package config

import "github.com/flekschas/mcp-web/pkg/bridge"

// Operational defaults. Default() is the single source of truth for these;
// the loader overlays the YAML file on top of it, so an omitted key keeps
// its default rather than collapsing to the zero value.
const (
	// DefaultHost binds to loopback: frontends and MCP clients run on the
	// same machine in the common setup.
	DefaultHost = "localhost"

	// DefaultPort serves both surfaces when ws_port/mcp_port do not split
	// them.
	DefaultPort = 3000

	defaultToolCallTimeoutMS = 30_000
	defaultSweepIntervalMS   = 60_000
	defaultMCPSessionTTLMS   = 1_800_000
)

// Default returns a Config populated with every operational default. Load
// starts from this; callers building a Config by hand should too.
func Default() *Config {
	return &Config{
		Name:                   "webmcp",
		Host:                   DefaultHost,
		Port:                   DefaultPort,
		OnSessionLimitExceeded: string(bridge.LimitPolicyReject),
		ToolCallTimeoutMS:      defaultToolCallTimeoutMS,
		SweepIntervalMS:        defaultSweepIntervalMS,
		MCPSessionTTLMS:        defaultMCPSessionTTLMS,
		ValidateToolInput:      true,
	}
}
