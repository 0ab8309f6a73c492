package steps

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/pipeline"
)

// Overlay runs the configured annotation command over the mercator raster,
// typically a coastline or boundary renderer. The command receives the input
// and output paths as its final two arguments.
type Overlay struct {
	cfg    Config
	layout Layout
	log    zerolog.Logger
}

func NewOverlay(cfg Config, layout Layout, log zerolog.Logger) *Overlay {
	return &Overlay{cfg: cfg, layout: layout, log: log}
}

func (s *Overlay) Name() string       { return "overlay" }
func (s *Overlay) OutputPath() string { return s.layout.OverlayTiffPath() }

// IdempotentSafe: the external command's overwrite behavior is unknown, so a
// stale output must be removed first.
func (s *Overlay) IdempotentSafe() bool { return false }

func (s *Overlay) Run(ctx context.Context) error {
	fields := strings.Fields(s.cfg.OverlayCmd)
	if len(fields) == 0 {
		return pipeline.Permanent(errors.New("overlay command is empty"))
	}
	args := append(fields[1:], s.layout.MercatorTiffPath(), s.layout.OverlayTiffPath())
	return runTool(ctx, s.log, fields[0], args)
}
