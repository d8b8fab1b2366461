package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"storefront-orders/internal/config"
	"storefront-orders/internal/db"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "storefront",
		Short:         "Storefront checkout and order reconciliation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(ordersCmd)
	rootCmd.AddCommand(explainCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDatabase loads settings from the environment and connects to MySQL.
func openDatabase() (config.Config, *slog.Logger, *gorm.DB, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, nil, nil, err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	gdb, err := db.Open(db.FromEnv())
	if err != nil {
		return cfg, logger, nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return cfg, logger, gdb, nil
}
