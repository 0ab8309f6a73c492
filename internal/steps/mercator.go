package steps

import (
	"fmt"
	"math"
)

// earthRadius is the WGS84 semi-major axis used by EPSG:3857.
const earthRadius = 6378137.0

// maxMercatorLat is the latitude where the spherical mercator projection
// degenerates; extents must stay inside it.
const maxMercatorLat = 85.051129

// BBox is a geographic extent in degrees.
type BBox struct {
	North float64
	South float64
	West  float64
	East  float64
}

// Validate rejects extents the warp target cannot represent.
func (b BBox) Validate() error {
	if b.North <= b.South {
		return fmt.Errorf("bbox north %.4f must exceed south %.4f", b.North, b.South)
	}
	if b.East <= b.West {
		return fmt.Errorf("bbox east %.4f must exceed west %.4f", b.East, b.West)
	}
	if b.North > maxMercatorLat || b.South < -maxMercatorLat {
		return fmt.Errorf("bbox latitudes must stay within ±%.4f for mercator output", maxMercatorLat)
	}
	return nil
}

// MercatorXY forward-projects a lon/lat in degrees to EPSG:3857 meters.
func MercatorXY(lon, lat float64) (x, y float64) {
	x = earthRadius * lon * math.Pi / 180
	y = earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// MercatorExtent returns the projected extent as minx, miny, maxx, maxy,
// the -te argument order gdalwarp expects.
func (b BBox) MercatorExtent() (minX, minY, maxX, maxY float64) {
	minX, minY = MercatorXY(b.West, b.South)
	maxX, maxY = MercatorXY(b.East, b.North)
	return minX, minY, maxX, maxY
}
