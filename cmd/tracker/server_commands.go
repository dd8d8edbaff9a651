package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/txtracker/client"
	"github.com/brojonat/txtracker/service/metrics"
	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check tracker health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			tc := client.NewClient(serverURL, &http.Client{Timeout: c.Duration("timeout")}, nil)
			health, err := tc.Health(c.Context)
			if health != nil && c.Bool("json") {
				if err := outputJSON(health); err != nil {
					return err
				}
			}
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			if !c.Bool("json") {
				fmt.Printf("✓ Tracker is healthy\n")
				fmt.Printf("  URL:     %s\n", serverURL)
				fmt.Printf("  Account: %s\n", health.Account)
				fmt.Printf("  Uptime:  %s\n", time.Duration(health.UptimeSeconds*float64(time.Second)).Round(time.Second))
			}
			return nil
		},
	}
}

func metricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Dump the tracker's Prometheus metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "filter",
				Usage: "Only print lines containing this substring",
				Value: metrics.Namespace,
			},
		},
		Action: func(c *cli.Context) error {
			body, err := client.NewClient(c.String("server-url"), nil, nil).Metrics(c.Context)
			if err != nil {
				return fmt.Errorf("failed to fetch metrics: %w", err)
			}
			for _, line := range strings.Split(body, "\n") {
				if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, c.String("filter")) {
					continue
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("tracker\n")
			fmt.Printf("  Version: %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", date)
			return nil
		},
	}
}
