package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flekschas/mcp-web/pkg/bridge/config"
	"github.com/flekschas/mcp-web/pkg/logger"
)

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a bridge configuration file",
		Long: `Validate the bridge configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity and unknown keys
- Listener host and port ranges
- Agent URL shape
- Session limit policies and timeout values`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.NewYAMLLoader(configPath).Load()
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			if err := config.NewValidator().Validate(cfg); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Name: %s", cfg.Name)
			logger.Infof("  WebSocket: ws://%s:%d/ws", cfg.Host, cfg.WSListenPort())
			logger.Infof("  MCP: http://%s:%d/", cfg.Host, cfg.MCPListenPort())
			if cfg.AgentURL != "" {
				logger.Infof("  Agent: %s", cfg.AgentURL)
			}
			if cfg.MaxSessionsPerToken > 0 {
				logger.Infof("  Session limit: %d per token (%s)", cfg.MaxSessionsPerToken, cfg.LimitPolicy())
			}
			if cfg.Telemetry.PrometheusEnabled {
				logger.Infof("  Metrics: enabled")
			}
			return nil
		},
	}
}
