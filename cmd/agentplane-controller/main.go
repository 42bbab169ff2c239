package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentplane-controller",
		Short: "Work scheduling control plane for agent pools",
		Long: `agentplane-controller queues work items, binds them to the best available
agent, tracks completions and places timed work on agent calendars.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./agentplane.yaml or /etc/agentplane/agentplane.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newCertsCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show controller version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentplane-controller %s (built %s)\n", Version, BuildTime)
		},
	})
	return root
}
