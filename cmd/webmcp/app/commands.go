// Package app provides the entry point for the webmcp command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flekschas/mcp-web/pkg/logger"
)

// NewRootCmd creates a new root command for the webmcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "webmcp",
		DisableAutoGenTag: true,
		Short:             "webmcp bridges MCP clients to tools running in browser tabs",
		Long: `webmcp is a bridge server between MCP (Model Context Protocol) clients and
web frontends. Browser tabs connect over WebSocket and register tools,
resources, and prompts that execute in the page; MCP clients connect over
streamable HTTP and invoke them as if the bridge were an ordinary MCP server.

Sessions are grouped by auth token: every frontend that authenticates with a
token is served to every MCP client presenting the same token, and catalog
changes are pushed to clients as list_changed notifications.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to bridge configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
