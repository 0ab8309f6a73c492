package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lanseria/fy-4b-tools/internal/logging"
	"github.com/lanseria/fy-4b-tools/internal/retention"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one retention sweep and exit",
	Long: `Cleanup walks the tile archive once, keeps the slots the retention policy
protects and removes the rest. By default it only reports what it would
remove; pass --dry-run=false to delete.`,
	Args: cobra.NoArgs,
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

		log := logging.New(cfg.LogLevel, cfg.LogFormat)
		sweeper := retention.New(retentionConfig(cfg), st, componentLogger(log, "retention"))

		plan, err := sweeper.SweepOnce(ctx)
		if err != nil {
			return fmt.Errorf("retention sweep: %w", err)
		}

		mode := "removed"
		if !cfg.RetentionExecute {
			mode = "would remove"
		}
		fmt.Printf("examined %d timestamps, kept %d, %s %d\n", plan.Examined, len(plan.Keep), mode, len(plan.Remove))
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Bool("dry-run", true, "report removals without deleting")
	cleanupCmd.Flags().Int("tz-offset", 8, "timezone offset in hours for day boundaries")
	rootCmd.AddCommand(cleanupCmd)
}
