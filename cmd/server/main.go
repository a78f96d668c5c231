package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/HanTheDev/funnel-insights/internal/config"
	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/ledger"
	"github.com/HanTheDev/funnel-insights/internal/logging"
	"github.com/HanTheDev/funnel-insights/internal/quota"
	"github.com/HanTheDev/funnel-insights/internal/workflow"
)

const dbConnectTimeout = 30 * time.Second

var (
	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "funnel-insights",
	Short:         "Funnel analysis workflow with per-user quotas",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log = logging.Stderr(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// store is what every service needs from persistence. Both the Postgres
// store and the in-memory dev store satisfy it.
type store interface {
	quota.Store
	ledger.Store
	workflow.Store
}

func openDB(ctx context.Context) (*db.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	database, err := db.NewDB(ctx, cfg.DatabaseURL, dbConnectTimeout, log.With().Str("component", "db").Logger())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return database, nil
}

func quotaConfig() quota.Config {
	return quota.Config{
		DailyLimit:   cfg.DefaultDailyLimit,
		MonthlyLimit: cfg.DefaultMonthlyLimit,
		Location:     cfg.Location,
	}
}
