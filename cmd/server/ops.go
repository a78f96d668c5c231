package main

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/HanTheDev/funnel-insights/internal/auth"
	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/models"
	"github.com/HanTheDev/funnel-insights/internal/quota"
	"github.com/HanTheDev/funnel-insights/internal/scheduler"
)

var (
	resetScope string

	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(tokenCmd)

	resetCmd.Flags().StringVar(&resetScope, "scope", "daily", "window to reset (daily or monthly)")

	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "user id to issue the token for")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim, e.g. admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("user")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := db.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Run one quota reset sweep now",
	Long:  "Zero a window's counters for every profile whose window has rolled over. Coordinates with running servers through the Redis lease.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := models.QuotaScope(resetScope)
		if !scope.Valid() {
			return fmt.Errorf("invalid --scope %q, want daily or monthly", resetScope)
		}

		ctx := cmd.Context()
		database, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer database.Close()

		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		tracker := quota.NewTracker(database, quotaConfig(), quota.WithLogger(log))
		sched, err := scheduler.New(tracker, scheduler.Config{
			DailySpec:   cfg.ResetDailyCron,
			MonthlySpec: cfg.ResetMonthlyCron,
			Location:    cfg.Location,
			LockTTL:     cfg.ResetLockTTL,
		}, scheduler.WithLocker(scheduler.NewRedisLock(rdb)), scheduler.WithLogger(log))
		if err != nil {
			return err
		}

		n, ran, err := sched.RunOnce(ctx, scope)
		if err != nil {
			return err
		}
		if !ran {
			fmt.Fprintln(cmd.OutOrStdout(), "another instance is running this sweep, nothing done")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reset: %d profiles\n", scope, n)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := auth.GenerateToken(tokenUser, tokenRole, cfg.JWTSecret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
