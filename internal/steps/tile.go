package steps

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// Tile slices the final raster into a web mercator tile pyramid with
// gdal2tiles and publishes the timestamp in the tile index.
type Tile struct {
	cfg    Config
	layout Layout
	input  string
	log    zerolog.Logger
}

// NewTile builds the tiling step. input is the raster to slice, which is the
// overlay output when that stage is enabled and the warped mercator raster
// otherwise.
func NewTile(cfg Config, layout Layout, input string, log zerolog.Logger) *Tile {
	return &Tile{cfg: cfg, layout: layout, input: input, log: log}
}

func (s *Tile) Name() string       { return "tile" }
func (s *Tile) OutputPath() string { return s.layout.TileSetDir() }

// IdempotentSafe: a partial pyramid from an interrupted attempt must not
// survive into the next one, the directory is the published artifact.
func (s *Tile) IdempotentSafe() bool { return false }

func (s *Tile) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.layout.TileSetDir(), 0o755); err != nil {
		return err
	}

	processes := s.cfg.TileProcesses
	if processes < 1 {
		processes = runtime.NumCPU()
	}
	args := []string{
		"--profile", "mercator",
		"-z", fmt.Sprintf("%d-%d", s.cfg.ZoomMin, s.cfg.ZoomMax),
		"--processes", strconv.Itoa(processes),
		"-w", "none",
		s.input, s.layout.TileSetDir(),
	}
	if err := runTool(ctx, s.log, "gdal2tiles.py", args); err != nil {
		return err
	}

	if err := AddToIndex(s.cfg.DataDir, s.layout.Timestamp); err != nil {
		return fmt.Errorf("update tile index: %w", err)
	}
	s.log.Info().Str("timestamp", s.layout.Timestamp.String()).
		Str("tiles", s.layout.TileSetDir()).Msg("tile set published")
	return nil
}
