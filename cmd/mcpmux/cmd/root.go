package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// NewRootCmd creates the root command for mcpmux.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcpmux",
		Short: "Multiplexing MCP client manager",
		Long: `mcpmux manages sessions to any number of upstream MCP servers over
stdio, SSE, or streamable HTTP, and exposes their tools, resources, and
prompts through a single downstream MCP session.

Use subcommands to start the server or print version information.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
