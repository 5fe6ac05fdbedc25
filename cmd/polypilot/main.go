// Command polypilot runs the multi-session agent control plane: the session
// registry, organization store, orchestration engine and WebSocket bridge.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "polypilot",
	Short: "Multi-session agent orchestration server",
	Long: `PolyPilot manages concurrent conversational agent sessions, organizes
them into groups, and drives orchestrator/worker reflection loops. Clients
connect over a WebSocket bridge.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "polypilot.yaml", "config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
