package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - multi-tenant message forwarding middleware",
	Long: `Courier consumes messages from per-partner RabbitMQ queues and forwards
them to each partner's HTTP API, with isolated worker pools, circuit
breakers, and cached credentials per partner.

Partner configuration is stored in MongoDB and applied at runtime without
restarts.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Courier version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}
