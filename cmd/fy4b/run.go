package main

import (
	"github.com/spf13/cobra"

	"github.com/lanseria/fy-4b-tools/internal/config"
)

var (
	runTimestamp string
	runForce     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the acquisition daemon, or one timestamp with --timestamp",
	Long: `Without --timestamp, run starts the daemon: scheduler, dispatch workers,
reconciler, retention sweeps and the admin HTTP server, until SIGINT or
SIGTERM. A second signal aborts immediately.

With --timestamp, run drives that one slot to completion in the foreground,
waiting out retry backoffs in-process, and exits. --force wipes any previous
record first so even an already succeeded slot re-runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if runTimestamp != "" {
			return runOneShot(cfg, runTimestamp, runForce)
		}
		return runDaemon(cfg)
	},
}

func init() {
	runCmd.Flags().StringVar(&runTimestamp, "timestamp", "", "run one slot (YYYYMMDDHHMMSS UTC) and exit")
	runCmd.Flags().BoolVar(&runForce, "force", false, "with --timestamp, wipe any previous record first")
	runCmd.Flags().Int("concurrency", 0, "dispatch worker count (overrides CONCURRENCY)")
	runCmd.Flags().Int("crop-x", 0, "horizontal disk offset, negative pads (overrides CROP_X)")
	runCmd.Flags().Int("crop-y", 0, "vertical disk offset, negative pads (overrides CROP_Y)")
	runCmd.Flags().Bool("keep-files", false, "keep intermediate composites (overrides KEEP_FILES)")
	runCmd.Flags().String("zoom-range", "", "tile zoom levels as min-max (overrides ZOOM_RANGE)")
	rootCmd.AddCommand(runCmd)
}
