package main

import (
	"context"
	"log"

	"trading-riskengine/internal/risk"
	"trading-riskengine/internal/store/postgres"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-daily",
		Short: "Zero daily P&L counters and purge expired violations now",
		Long: `reset-daily runs the start-of-day reset once, outside the scheduler.
Use it to recover a day on which the engine was down at the open.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("riskengine-reset")
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, err := postgres.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := risk.NewDailyReset(store, cfg.ViolationRetention, cfg.CallTimeout).Run(ctx); err != nil {
				return err
			}
			log.Println("[riskengine] daily reset complete")
			return nil
		},
	}
}
