package steps

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/pipeline"

	// The upstream labels everything .png but serves JPEG bodies for most
	// tiles; image/png registers through the encode import above.
	_ "image/jpeg"
)

// tileRetryDelay is the pause between attempts for a single tile.
const tileRetryDelay = time.Second

// Breaker gates upstream requests per host.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

type noopBreaker struct{}

func (noopBreaker) Allow(string) error   { return nil }
func (noopBreaker) RecordSuccess(string) {}
func (noopBreaker) RecordFailure(string) {}

// Acquire probes the upstream for availability, downloads the tile grid for
// one timestamp and stitches it into the full-disk composite.
type Acquire struct {
	cfg     Config
	layout  Layout
	client  *http.Client
	breaker Breaker
	log     zerolog.Logger

	// host keys the circuit breaker; derived from the source URL.
	host string

	// retryDelay is shortened in tests.
	retryDelay time.Duration
}

// NewAcquire builds the acquisition step. A nil client falls back to a
// default with the fetch timeout; a nil breaker disables gating.
func NewAcquire(cfg Config, layout Layout, client *http.Client, breaker Breaker, log zerolog.Logger) *Acquire {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if breaker == nil {
		breaker = noopBreaker{}
	}
	host := cfg.SourceURL
	if u, err := url.Parse(cfg.SourceURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Acquire{
		cfg:        cfg,
		layout:     layout,
		client:     client,
		breaker:    breaker,
		log:        log,
		host:       host,
		retryDelay: tileRetryDelay,
	}
}

func (s *Acquire) Name() string       { return "acquire" }
func (s *Acquire) OutputPath() string { return s.layout.StitchedPath() }

// IdempotentSafe: the stitched composite is rewritten from scratch, and
// surviving raw tiles are revalidated before reuse.
func (s *Acquire) IdempotentSafe() bool { return true }

func (s *Acquire) Run(ctx context.Context) error {
	defer func() {
		if s.cfg.KeepFiles {
			return
		}
		if err := os.RemoveAll(s.layout.TempTileDir()); err != nil {
			s.log.Warn().Err(err).Str("dir", s.layout.TempTileDir()).Msg("temp tile cleanup failed")
		}
	}()

	if err := s.probe(ctx); err != nil {
		return err
	}
	if err := s.fetchGrid(ctx); err != nil {
		return err
	}
	return s.stitch()
}

// probe fetches the zoom-0 overview tile. The upstream publishes it first,
// so a miss means the timestamp has no data yet and the run should fail
// cheaply before touching the grid.
func (s *Acquire) probe(ctx context.Context) error {
	if _, err := s.fetch(ctx, s.tileURL(0, 0, 0)); err != nil {
		return pipeline.Transient(fmt.Errorf("image %s not published yet: %w", s.layout.Timestamp, err))
	}
	return nil
}

func (s *Acquire) fetchGrid(ctx context.Context) error {
	if err := os.MkdirAll(s.layout.TempTileDir(), 0o755); err != nil {
		return err
	}

	type coord struct{ x, y int }
	jobs := make(chan coord)
	var wg sync.WaitGroup
	var mu sync.Mutex
	missed := 0

	workers := s.cfg.FetchWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if err := s.fetchTile(ctx, c.x, c.y); err != nil {
					s.log.Debug().Str("timestamp", s.layout.Timestamp.String()).
						Int("x", c.x).Int("y", c.y).Err(err).Msg("tile unavailable")
					mu.Lock()
					missed++
					mu.Unlock()
				}
			}
		}()
	}

	for y := 0; y < s.cfg.Grid; y++ {
		for x := 0; x < s.cfg.Grid; x++ {
			jobs <- coord{x, y}
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return pipeline.Transient(err)
	}
	if missed > 0 {
		s.log.Info().Str("timestamp", s.layout.Timestamp.String()).
			Int("missed", missed).Int("total", s.cfg.Grid*s.cfg.Grid).
			Msg("some tiles unavailable, gaps will be black")
	}
	return nil
}

// fetchTile downloads one grid tile with retries, skipping work when a valid
// file from an earlier attempt is already on disk. A tile still missing
// after the last attempt is left absent; the stitcher paints it black.
func (s *Acquire) fetchTile(ctx context.Context, x, y int) error {
	path := s.layout.RawTilePath(x, y)
	if fi, err := os.Stat(path); err == nil && fi.Size() >= int64(s.cfg.MinTileBytes) {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.TileAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := s.fetch(ctx, s.tileURL(s.cfg.Zoom, x, y))
		if err == nil {
			return os.WriteFile(path, body, 0o644)
		}
		lastErr = err

		if attempt < s.cfg.TileAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	return lastErr
}

// fetch performs one gated request. Only transport faults and server errors
// count against the breaker; a definitive answer like 404 or an undersized
// body means the host is healthy and the data is absent.
func (s *Acquire) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.breaker.Allow(s.host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Referer", s.cfg.Referer)

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure(s.host)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		io.Copy(io.Discard, resp.Body)
		s.breaker.RecordFailure(s.host)
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.breaker.RecordFailure(s.host)
		return nil, err
	}
	s.breaker.RecordSuccess(s.host)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if len(body) < s.cfg.MinTileBytes {
		return nil, fmt.Errorf("undersized tile: %d bytes", len(body))
	}
	return body, nil
}

func (s *Acquire) tileURL(z, x, y int) string {
	return strings.NewReplacer(
		"{timestamp}", s.layout.Timestamp.String(),
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(s.cfg.SourceURL)
}

// stitch assembles the grid into one composite. Placement is transposed,
// tile (x,y) lands at pixel (y*w, x*h); the upstream serves the disk in
// column-major order.
func (s *Acquire) stitch() error {
	tileW, tileH, err := s.sampleTileSize()
	if err != nil {
		return pipeline.Transient(err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, s.cfg.Grid*tileW, s.cfg.Grid*tileH))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	for x := 0; x < s.cfg.Grid; x++ {
		for y := 0; y < s.cfg.Grid; y++ {
			tile, err := decodeFile(s.layout.RawTilePath(x, y))
			if err != nil {
				continue
			}
			px, py := y*tileW, x*tileH
			draw.Draw(canvas, image.Rect(px, py, px+tileW, py+tileH), tile, tile.Bounds().Min, draw.Src)
		}
	}

	return writePNG(s.layout.StitchedPath(), canvas)
}

// sampleTileSize decodes the first readable tile to size the canvas. No
// readable tile means every download failed and the run cannot proceed.
func (s *Acquire) sampleTileSize() (w, h int, err error) {
	for x := 0; x < s.cfg.Grid; x++ {
		for y := 0; y < s.cfg.Grid; y++ {
			tile, err := decodeFile(s.layout.RawTilePath(x, y))
			if err != nil {
				continue
			}
			b := tile.Bounds()
			return b.Dx(), b.Dy(), nil
		}
	}
	return 0, 0, errors.New("no tiles decoded, upstream returned nothing usable")
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func writePNG(path string, img image.Image) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
