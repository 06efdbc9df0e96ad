package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Admission-control gateway",
	Long: `Admission-control gateway.

Resolves callers, applies per-scope quotas backed by Redis and forwards
admitted requests to their upstreams.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(policiesCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
