package steps

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/domain"
	"github.com/lanseria/fy-4b-tools/internal/pipeline"
)

// Builder assembles the ordered step chain for a timestamp. The HTTP client
// and breaker are shared across runs; everything else binds per timestamp
// through the layout.
type Builder struct {
	cfg     Config
	client  *http.Client
	breaker Breaker
	log     zerolog.Logger
}

func NewBuilder(cfg Config, client *http.Client, breaker Breaker, log zerolog.Logger) *Builder {
	return &Builder{cfg: cfg, client: client, breaker: breaker, log: log}
}

// Build returns acquire, adjust, georeference, optionally overlay, then
// tile. The overlay stage joins the chain only when a command is configured,
// and reroutes the tiler input to its output.
func (b *Builder) Build(ts domain.Timestamp) []pipeline.Step {
	layout := Layout{DataDir: b.cfg.DataDir, Timestamp: ts}
	chain := []pipeline.Step{
		NewAcquire(b.cfg, layout, b.client, b.breaker, b.log),
		NewAdjust(b.cfg, layout, b.log),
		NewGeoreference(b.cfg, layout, b.log),
	}
	tileInput := layout.MercatorTiffPath()
	if b.cfg.OverlayCmd != "" {
		chain = append(chain, NewOverlay(b.cfg, layout, b.log))
		tileInput = layout.OverlayTiffPath()
	}
	return append(chain, NewTile(b.cfg, layout, tileInput, b.log))
}

// Pipeline couples a runner with a builder into the unit the dispatcher
// executes per claimed timestamp.
type Pipeline struct {
	runner  *pipeline.Runner
	builder *Builder
}

func NewPipeline(runner *pipeline.Runner, builder *Builder) *Pipeline {
	return &Pipeline{runner: runner, builder: builder}
}

// Run executes the full chain for ts, returning the final artifact path.
func (p *Pipeline) Run(ctx context.Context, ts domain.Timestamp) (string, error) {
	return p.runner.Run(ctx, ts, p.builder.Build(ts))
}
