package main

import (
	"errors"
	"fmt"

	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/spf13/cobra"
)

var invalidateScope string

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Clear every counter and violation record of a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		if invalidateScope == "" {
			return errors.New("--scope is required")
		}

		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		engine := throttle.New(a.registry, a.store, throttle.WithLogger(a.logger))
		n, err := engine.Invalidate(cmd.Context(), invalidateScope)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "removed %d keys from scope %s\n", n, invalidateScope)
		return nil
	},
}

func init() {
	invalidateCmd.Flags().StringVar(&invalidateScope, "scope", "", "scope to clear")
}
