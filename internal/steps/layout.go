// Package steps implements the per-timestamp pipeline stages that turn
// upstream FY-4B full-disk tiles into a web mercator tile set: acquire,
// adjust, georeference, optional overlay, and tile. The Builder assembles
// them into a pipeline.Step slice for one timestamp.
package steps

import (
	"fmt"
	"path/filepath"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

// Layout maps one timestamp to its artifact paths under the data directory.
// Everything a run produces lives under DataDir so retention and cleanup
// can reason about disk usage from a single root.
type Layout struct {
	DataDir   string
	Timestamp domain.Timestamp
}

// TempTileDir holds the raw tiles fetched for this timestamp.
func (l Layout) TempTileDir() string {
	return filepath.Join(l.DataDir, "temp_tiles", string(l.Timestamp))
}

// RawTilePath is one fetched tile inside TempTileDir.
func (l Layout) RawTilePath(x, y int) string {
	return filepath.Join(l.TempTileDir(), fmt.Sprintf("%d_%d.png", x, y))
}

// StitchedPath is the assembled full-disk composite.
func (l Layout) StitchedPath() string {
	return filepath.Join(l.DataDir, fmt.Sprintf("fy4b_full_disk_%s.png", l.Timestamp))
}

// AdjustedPath is the composite after crop or pad correction.
func (l Layout) AdjustedPath() string {
	return filepath.Join(l.DataDir, fmt.Sprintf("fy4b_full_disk_%s_adjusted.png", l.Timestamp))
}

// GeosTiffPath is the intermediate GeoTIFF in geostationary projection.
func (l Layout) GeosTiffPath() string {
	return filepath.Join(l.DataDir, fmt.Sprintf("fy4b_full_disk_%s_geos.tif", l.Timestamp))
}

// MercatorTiffPath is the warped web mercator GeoTIFF.
func (l Layout) MercatorTiffPath() string {
	return filepath.Join(l.DataDir, fmt.Sprintf("fy4b_full_disk_%s_adjusted_mercator.tif", l.Timestamp))
}

// OverlayTiffPath is the mercator GeoTIFF after the optional overlay command.
func (l Layout) OverlayTiffPath() string {
	return filepath.Join(l.DataDir, fmt.Sprintf("fy4b_full_disk_%s_overlay.tif", l.Timestamp))
}

// TilesRoot is the directory holding every generated tile set plus the
// timestamp index.
func (l Layout) TilesRoot() string {
	return filepath.Join(l.DataDir, "tiles")
}

// TileSetDir is the generated tile pyramid for this timestamp, the final
// artifact of a run.
func (l Layout) TileSetDir() string {
	return filepath.Join(l.TilesRoot(), string(l.Timestamp))
}

// StatePath is the default SQLite database location.
func StatePath(dataDir string) string {
	return filepath.Join(dataDir, "state.db")
}

// TilesRootDir returns the tile root for a data directory without needing a
// timestamp, for retention and the admin API.
func TilesRootDir(dataDir string) string {
	return filepath.Join(dataDir, "tiles")
}
