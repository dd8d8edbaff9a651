package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/txtracker/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Description: `Creates the transactions and account_balance_changes tables if they do not
exist. "run" applies the same migrations on startup, so this is only needed
when preparing a database ahead of time.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall timeout",
				Value: time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(c.String("log-level"))

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			pool, err := pgxpool.New(ctx, c.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("failed to ping database: %w", err)
			}

			if err := db.Migrate(ctx, pool, logger); err != nil {
				return err
			}
			fmt.Println("✓ Database schema is up to date")
			return nil
		},
	}
}
