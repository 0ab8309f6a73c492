package steps

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/pipeline"
)

// Adjust applies the configured pixel correction so the disk fills the
// geostationary extent the georeference step assigns. Positive offsets crop
// that many pixels from both edges of an axis; negative offsets pad black
// instead.
type Adjust struct {
	cfg    Config
	layout Layout
	log    zerolog.Logger
}

func NewAdjust(cfg Config, layout Layout, log zerolog.Logger) *Adjust {
	return &Adjust{cfg: cfg, layout: layout, log: log}
}

func (s *Adjust) Name() string         { return "adjust" }
func (s *Adjust) OutputPath() string   { return s.layout.AdjustedPath() }
func (s *Adjust) IdempotentSafe() bool { return true }

func (s *Adjust) Run(ctx context.Context) error {
	img, err := decodeFile(s.layout.StitchedPath())
	if err != nil {
		return pipeline.Permanent(fmt.Errorf("decode stitched composite: %w", err))
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if 2*s.cfg.CropX >= w {
		return pipeline.Permanent(fmt.Errorf("crop-x %d exceeds image width %d", s.cfg.CropX, w))
	}
	if 2*s.cfg.CropY >= h {
		return pipeline.Permanent(fmt.Errorf("crop-y %d exceeds image height %d", s.cfg.CropY, h))
	}

	// A single draw covers all four sign combinations: the source window
	// shrinks for crops, the destination offset grows for pads.
	srcX, dstX := max(0, s.cfg.CropX), max(0, -s.cfg.CropX)
	srcY, dstY := max(0, s.cfg.CropY), max(0, -s.cfg.CropY)
	copyW, copyH := w-2*srcX, h-2*srcY

	canvas := image.NewRGBA(image.Rect(0, 0, w-2*s.cfg.CropX, h-2*s.cfg.CropY))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(dstX, dstY, dstX+copyW, dstY+copyH), img, b.Min.Add(image.Pt(srcX, srcY)), draw.Src)

	s.log.Debug().Str("timestamp", s.layout.Timestamp.String()).
		Int("in_w", w).Int("in_h", h).
		Int("out_w", canvas.Bounds().Dx()).Int("out_h", canvas.Bounds().Dy()).
		Msg("composite adjusted")
	return writePNG(s.layout.AdjustedPath(), canvas)
}
