package steps

import (
	"context"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/lanseria/fy-4b-tools/internal/pipeline"
)

// geosProj is the FY-4B imaging geometry: geostationary view from 104.7°E.
const geosProj = "+proj=geos +h=35785831 +lon_0=104.7 +sweep=x +datum=WGS84 +units=m"

// Full-disk corner coordinates in geostationary meters, upper-left to
// lower-right. The adjusted composite is calibrated to fill exactly this
// extent.
const (
	geosLeft   = "-5568748"
	geosTop    = "5568748"
	geosRight  = "5568748"
	geosBottom = "-5568748"
)

// Georeference assigns the geostationary projection to the adjusted
// composite and warps it to a web mercator raster clipped to the configured
// bounding box. Both stages shell out to GDAL.
type Georeference struct {
	cfg    Config
	layout Layout
	log    zerolog.Logger
}

func NewGeoreference(cfg Config, layout Layout, log zerolog.Logger) *Georeference {
	return &Georeference{cfg: cfg, layout: layout, log: log}
}

func (s *Georeference) Name() string         { return "georeference" }
func (s *Georeference) OutputPath() string   { return s.layout.MercatorTiffPath() }
func (s *Georeference) IdempotentSafe() bool { return true }

func (s *Georeference) Run(ctx context.Context) error {
	if !s.cfg.KeepFiles {
		defer os.Remove(s.layout.GeosTiffPath())
	}

	args := buildTranslateArgs(s.layout.AdjustedPath(), s.layout.GeosTiffPath())
	if err := runTool(ctx, s.log, "gdal_translate", args); err != nil {
		return err
	}

	warpArgs, err := buildWarpArgs(s.cfg, s.layout.GeosTiffPath(), s.layout.MercatorTiffPath())
	if err != nil {
		return pipeline.Permanent(err)
	}
	return runTool(ctx, s.log, "gdalwarp", warpArgs)
}

func buildTranslateArgs(src, dst string) []string {
	return []string{
		"-of", "GTiff",
		"-a_srs", geosProj,
		"-a_ullr", geosLeft, geosTop, geosRight, geosBottom,
		src, dst,
	}
}

func buildWarpArgs(cfg Config, src, dst string) ([]string, error) {
	if err := cfg.BBox.Validate(); err != nil {
		return nil, err
	}
	minX, minY, maxX, maxY := cfg.BBox.MercatorExtent()
	return []string{
		"-t_srs", "EPSG:3857",
		"-te", formatCoord(minX), formatCoord(minY), formatCoord(maxX), formatCoord(maxY),
		"-ts", strconv.Itoa(cfg.WarpWidth), "0",
		"-r", "bilinear",
		"-co", "COMPRESS=LZW",
		"-co", "TILED=YES",
		"-overwrite",
		src, dst,
	}, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
