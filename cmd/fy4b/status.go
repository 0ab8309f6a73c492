package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show acquisition counts from the state store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, _, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(ctx, cfg.MaxAttempts)
		if err != nil {
			return fmt.Errorf("read stats: %w", err)
		}

		lastSuccess := "never"
		if stats.LastSuccess != "" {
			lastSuccess = string(stats.LastSuccess)
		}

		fmt.Printf("backend:      %s\n", backendName(cfg))
		fmt.Printf("pending:      %d\n", stats.Pending)
		fmt.Printf("running:      %d\n", stats.Running)
		fmt.Printf("succeeded:    %d\n", stats.Succeeded)
		fmt.Printf("failed:       %d\n", stats.Failed)
		fmt.Printf("given up:     %d\n", stats.GivenUp)
		fmt.Printf("last success: %s\n", lastSuccess)

		failures, err := st.RecentFailures(ctx, 5)
		if err != nil {
			return fmt.Errorf("read failures: %w", err)
		}
		if len(failures) > 0 {
			fmt.Println("\nrecent failures:")
			for _, rec := range failures {
				fmt.Printf("  %s  attempts=%d  %s\n", rec.Timestamp, rec.Attempts, rec.LastError)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
