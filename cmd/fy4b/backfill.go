package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lanseria/fy-4b-tools/internal/cadence"
	"github.com/lanseria/fy-4b-tools/internal/config"
	"github.com/lanseria/fy-4b-tools/internal/domain"
)

var (
	backfillFrom string
	backfillTo   string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Seed pending rows for a timestamp range",
	Long: `Backfill inserts a pending row for every cadence slot between --from and
--to inclusive, skipping slots the store already knows. The daemon picks
pending rows up a batch per tick, oldest first, without crowding out live
acquisition.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Cadence <= 0 {
			return config.ValidationErrors{{Field: "CADENCE", Message: "must be positive"}}
		}

		from, err := domain.ParseTimestamp(backfillFrom)
		if err != nil {
			return config.ValidationErrors{{Field: "--from", Message: err.Error()}}
		}
		to, err := domain.ParseTimestamp(backfillTo)
		if err != nil {
			return config.ValidationErrors{{Field: "--to", Message: err.Error()}}
		}
		if to.Before(from) {
			return config.ValidationErrors{{Field: "--to", Message: fmt.Sprintf("%s is before --from %s", to, from)}}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, _, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		resolver := cadence.New(cfg.Cadence, cfg.PublicationDelay)
		created, skipped := 0, 0
		for _, ts := range resolver.ExpectedBetween(from.Time(), to.Time()) {
			ok, err := st.EnsurePending(ctx, ts)
			if err != nil {
				return fmt.Errorf("seed %s: %w", ts, err)
			}
			if ok {
				created++
			} else {
				skipped++
			}
		}

		fmt.Printf("seeded %d pending timestamps, %d already known\n", created, skipped)
		return nil
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "first slot to seed (YYYYMMDDHHMMSS UTC)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "last slot to seed (YYYYMMDDHHMMSS UTC)")
	backfillCmd.MarkFlagRequired("from")
	backfillCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(backfillCmd)
}
