package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flekschas/mcp-web/pkg/bridge"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, NewValidator().Validate(cfg))

	assert.Equal(t, "webmcp", cfg.Name)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.True(t, cfg.ValidateToolInput)
	assert.Equal(t, bridge.LimitPolicyReject, cfg.LimitPolicy())
}

func TestDurationAccessors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		SessionMaxDurationMS: 1_500,
		ToolCallTimeoutMS:    30_000,
		QueryTimeoutMS:       250,
		SweepIntervalMS:      60_000,
		MCPSessionTTLMS:      1_800_000,
	}

	assert.Equal(t, 1500*time.Millisecond, cfg.SessionMaxDuration())
	assert.Equal(t, 30*time.Second, cfg.ToolCallTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.QueryTimeout())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.Equal(t, 30*time.Minute, cfg.MCPSessionTTL())
}

func TestLimitPolicyMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, bridge.LimitPolicyReject, (&Config{}).LimitPolicy())
	assert.Equal(t, bridge.LimitPolicyCloseOldest,
		(&Config{OnSessionLimitExceeded: "close_oldest"}).LimitPolicy())
}
