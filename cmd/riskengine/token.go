package main

import (
	"context"
	"fmt"
	"time"

	"trading-riskengine/internal/gateway"
	"trading-riskengine/internal/store/postgres"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Issue a websocket/API token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("riskengine-token")
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, err := postgres.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			userID := args[0]
			ok, err := store.UserExists(ctx, userID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("user %s not found", userID)
			}

			auth, err := gateway.NewJWTAuth(cfg.JWTSecret, store)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
