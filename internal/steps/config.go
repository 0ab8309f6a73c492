package steps

import "time"

// Upstream defaults match the NSMC tile server for the FY-4B full disk
// NatureColor product. The placeholders in the URL template are substituted
// per request.
const (
	DefaultSourceURL = "http://rsapp.nsmc.org.cn/swapQuery/public/tileServer/getTile/fy-4b/full_disk/NatureColor_NoLit/{timestamp}/jpg/{z}/{x}/{y}.png"

	// The upstream rejects requests without a browser user agent and the
	// portal referer.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultReferer   = "http://rsapp.nsmc.org.cn/geofy/"

	DefaultZoom         = 4
	DefaultGrid         = 16
	DefaultFetchWorkers = 8
	DefaultTileAttempts = 3
	DefaultMinTileBytes = 1024
	DefaultFetchTimeout = 15 * time.Second

	// Pixel corrections for the frame the upstream composite carries;
	// negative values pad instead of crop.
	DefaultCropX = -135
	DefaultCropY = -162

	DefaultWarpWidth = 4096
	DefaultZoomMin   = 1
	DefaultZoomMax   = 6
)

// DefaultBBox covers East Asia and surrounding waters.
func DefaultBBox() BBox {
	return BBox{North: 55, South: -55, West: 60, East: 150}
}

// Config holds the knobs for every pipeline stage. The CLI maps environment
// configuration onto this; tests construct it directly.
type Config struct {
	DataDir string

	// Acquisition
	SourceURL    string
	UserAgent    string
	Referer      string
	Zoom         int
	Grid         int
	FetchWorkers int
	TileAttempts int
	MinTileBytes int

	// Adjustment
	CropX int
	CropY int

	// Georeferencing
	BBox      BBox
	WarpWidth int

	// Tiling
	ZoomMin       int
	ZoomMax       int
	TileProcesses int

	// Overlay is an optional external command template; empty disables the
	// stage.
	OverlayCmd string

	KeepFiles bool
}

// DefaultConfig returns the production stage configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:      dataDir,
		SourceURL:    DefaultSourceURL,
		UserAgent:    DefaultUserAgent,
		Referer:      DefaultReferer,
		Zoom:         DefaultZoom,
		Grid:         DefaultGrid,
		FetchWorkers: DefaultFetchWorkers,
		TileAttempts: DefaultTileAttempts,
		MinTileBytes: DefaultMinTileBytes,
		CropX:        DefaultCropX,
		CropY:        DefaultCropY,
		BBox:         DefaultBBox(),
		WarpWidth:    DefaultWarpWidth,
		ZoomMin:      DefaultZoomMin,
		ZoomMax:      DefaultZoomMax,
	}
}
