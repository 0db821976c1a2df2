package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flekschas/mcp-web/pkg/bridge/config"
	"github.com/flekschas/mcp-web/pkg/bridge/server"
	"github.com/flekschas/mcp-web/pkg/bridge/streamable"
	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/telemetry"
	"github.com/flekschas/mcp-web/pkg/transport/httpserver"
	"github.com/flekschas/mcp-web/pkg/versions"
)

type serveFlags struct {
	host     string
	port     int
	wsPort   int
	mcpPort  int
	agentURL string
}

func (f *serveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "Bind address for all listeners")
	cmd.Flags().IntVar(&f.port, "port", 0, "Shared port for the WebSocket and MCP surfaces")
	cmd.Flags().IntVar(&f.wsPort, "ws-port", 0, "Dedicated WebSocket port, splitting the surfaces")
	cmd.Flags().IntVar(&f.mcpPort, "mcp-port", 0, "Dedicated MCP port, splitting the surfaces")
	cmd.Flags().StringVar(&f.agentURL, "agent-url", "", "Agent endpoint for frontend-originated queries")
}

// newServeCmd creates the serve command for starting the bridge server
func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		Long: `Start the bridge server.

With --config the named file is loaded; otherwise built-in defaults apply.
Command-line flags override the file either way. The server runs until it
receives an interrupt or termination signal.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	flags.register(cmd)

	return cmd
}

// loadConfig resolves the effective configuration: the file named by --config
// when set, built-in defaults otherwise, with serve flags applied on top.
func loadConfig(cmd *cobra.Command, flags *serveFlags) (*config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		logger.Infof("Loading configuration from: %s", path)
		loaded, err := config.NewYAMLLoader(path).Load()
		if err != nil {
			return nil, fmt.Errorf("configuration loading failed: %w", err)
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("host") {
		cfg.Host = flags.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flags.port
	}
	if cmd.Flags().Changed("ws-port") {
		cfg.WSPort = flags.wsPort
	}
	if cmd.Flags().Changed("mcp-port") {
		cfg.MCPPort = flags.mcpPort
	}
	if cmd.Flags().Changed("agent-url") {
		cfg.AgentURL = flags.agentURL
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// runServe assembles the bridge and serves it until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config) error {
	info := versions.GetVersionInfo()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:       cfg.Name,
		ServiceVersion:    info.Version,
		PrometheusEnabled: cfg.Telemetry.PrometheusEnabled,
		RuntimeMetrics:    cfg.Telemetry.RuntimeMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shut down telemetry cleanly: %v", err)
		}
	}()

	b, err := server.New(server.Config{
		Info: streamable.ServerInfo{
			Name:        cfg.Name,
			Description: cfg.Description,
			Version:     info.Version,
			Icon:        cfg.Icon,
		},
		AgentURL:                   cfg.AgentURL,
		MaxSessionsPerToken:        cfg.MaxSessionsPerToken,
		LimitPolicy:                cfg.LimitPolicy(),
		MaxInFlightQueriesPerToken: cfg.MaxInFlightQueriesPerToken,
		SessionMaxDuration:         cfg.SessionMaxDuration(),
		ToolCallTimeout:            cfg.ToolCallTimeout(),
		QueryTimeout:               cfg.QueryTimeout(),
		SweepInterval:              cfg.SweepInterval(),
		MCPSessionTTL:              cfg.MCPSessionTTL(),
		ValidateToolInput:          cfg.ValidateToolInput,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble bridge: %w", err)
	}
	defer b.Close()

	srvCfg := httpserver.Config{
		Host:    cfg.Host,
		WSPort:  cfg.WSListenPort(),
		MCPPort: cfg.MCPListenPort(),
	}
	if cfg.Telemetry.PrometheusEnabled {
		metrics, err := telemetry.NewMetrics(provider.MeterProvider())
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		if err := metrics.RegisterActivityGauges(b.Registry().Count, b.MCPSessions, b.ActiveQueries); err != nil {
			return fmt.Errorf("failed to register activity gauges: %w", err)
		}
		srvCfg.Metrics = metrics
		srvCfg.MetricsHandler = provider.PrometheusHandler()
	}

	logger.Infow("starting bridge",
		"name", cfg.Name,
		"version", info.Version,
		"ws_addr", fmt.Sprintf("%s:%d", cfg.Host, srvCfg.WSPort),
		"mcp_addr", fmt.Sprintf("%s:%d", cfg.Host, srvCfg.MCPPort),
		"agent_queries", cfg.AgentURL != "",
		"metrics", cfg.Telemetry.PrometheusEnabled,
	)

	// Start blocks until ctx is cancelled, then drains and closes the bridge.
	return httpserver.New(srvCfg, b).Start(ctx)
}
