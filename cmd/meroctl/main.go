package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "meroctl",
	Short: "Thin client over a calimero node's context/identity/DAG state",
	Long: `meroctl is a cobra command tree over the node core's local state: it
manages contexts, capabilities, and aliases the same way the core's
own client API would, operating directly on the embedded store rather
than over a separate transport.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults built in if omitted)")

	rootCmd.AddCommand(
		contextCmd(),
		capabilityCmd(),
		aliasCmd(),
		applicationCmd(),
		proposalCmd(),
		useCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
