// Command riskengine runs the position monitoring and risk enforcement
// engine and its operator tooling.
package main

import (
	"log"
	"os"

	"trading-riskengine/config"
	"trading-riskengine/internal/logger"
	"trading-riskengine/internal/markethours"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "riskengine",
	Short: "Position monitoring and risk enforcement engine",
	Long: `riskengine prices open positions, trails stop losses, enforces per-user
risk limits with forced liquidation and pushes events to connected clients.

Configuration is read from the environment (and a .env file if present).`,
	SilenceUsage: true,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	rootCmd.AddCommand(
		newServeCmd(),
		newResetCmd(),
		newTokenCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the process-wide settings
// every subcommand shares.
func loadConfig(service string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(service, logger.ParseLevel(cfg.LogLevel))
	if err := markethours.AddHolidays(cfg.Holidays); err != nil {
		return nil, err
	}
	return cfg, nil
}
