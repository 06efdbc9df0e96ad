package main

import (
	"errors"
	"fmt"

	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/spf13/cobra"
)

var (
	apikeyName      string
	apikeyCreatedBy string
	apikeyTier      string
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if apikeyName == "" {
			return errors.New("--name is required")
		}

		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if a.db == nil {
			return errors.New("database.dsn is not configured")
		}

		svc := service.NewAPIKeyService(repository.NewAPIKeyRepository(a.db), nil, a.logger)
		key, apiKey, err := svc.Create(cmd.Context(), apikeyName, apikeyCreatedBy, apikeyTier)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id:   %s\n", apiKey.ID)
		fmt.Fprintf(out, "tier: %s\n", apiKey.Tier)
		fmt.Fprintf(out, "key:  %s\n", key)
		fmt.Fprintln(out, "Save this key - it won't be shown again")
		return nil
	},
}

func init() {
	apikeyCreateCmd.Flags().StringVar(&apikeyName, "name", "", "key name")
	apikeyCreateCmd.Flags().StringVar(&apikeyCreatedBy, "created-by", "", "owner recorded on the key")
	apikeyCreateCmd.Flags().StringVar(&apikeyTier, "tier", "Authenticated", "tier used for policy selection")

	apikeyCmd.AddCommand(apikeyCreateCmd)
}
