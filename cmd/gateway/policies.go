package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Validate and print the effective policy table",
	Long: `Loads the configuration and any database overrides, validates every
policy and prints the table the gateway would serve, as YAML.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()

		return enc.Encode(map[string]any{
			"store":     a.cfg.Throttle.Store,
			"fail_open": a.cfg.Throttle.FailOpen,
			"max_delay": a.cfg.Throttle.MaxDelay.String(),
			"policies":  a.registry.Policies(),
		})
	},
}
