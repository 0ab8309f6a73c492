// Command fy4b acquires FY-4B geostationary imagery on a fixed cadence and
// turns each publication slot into a web map tile set. `fy4b run` is the
// long-running daemon; the remaining commands are one-shot operator tools
// against the same store and data directory.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lanseria/fy-4b-tools/internal/config"
	"github.com/lanseria/fy-4b-tools/internal/dispatcher"
	"github.com/lanseria/fy-4b-tools/internal/store"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes. One-shot runs distinguish give-up and conflict so wrapping
// scripts can tell a spent attempt budget from a timestamp another process
// holds.
const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
	exitGiveUp        = 3
	exitConflict      = 4
)

var rootCmd = &cobra.Command{
	Use:   "fy4b",
	Short: "FY-4B satellite imagery acquisition daemon",
	Long: `fy4b acquires FY-4B geostationary imagery on the upstream publication
cadence and renders each slot into an XYZ tile set under the data directory.

Configuration comes from environment variables, with an optional .env file
in the working directory. Run 'fy4b config' to see the effective values and
'fy4b validate' to check them without starting anything.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "data directory for tiles and state (overrides DATA_DIR)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fy4b: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a command error to the process exit code.
func exitCodeFor(err error) int {
	var verrs config.ValidationErrors
	var giveUp *dispatcher.GiveUpError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &verrs):
		return exitInvalidConfig
	case errors.As(err, &giveUp):
		return exitGiveUp
	case errors.Is(err, store.ErrConflict):
		return exitConflict
	default:
		return exitRuntimeError
	}
}
