// fake-upstream serves synthetic FY-4B tiles on the NSMC path layout so the
// daemon can run end to end without the real tile server. Point SOURCE_URL at
// it, for example:
//
//	SOURCE_URL=http://localhost:8080/getTile/{timestamp}/jpg/{z}/{x}/{y}.png
//
// Every tile is generated noise keyed on its coordinates, large enough to pass
// the minimum size check, with a dark border so the stitched composite shows
// the grid seams.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const tileSize = 256

type request struct {
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

type stats struct {
	Count        int64     `json:"count"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	lastRequests []request
	since        time.Time
	maxStored    = 50
)

func main() {
	since = time.Now().UTC()

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/", tileHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("fake-upstream listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// tileHandler answers any path ending .../{timestamp}/jpg/{z}/{x}/{y}.png.
func tileHandler(w http.ResponseWriter, r *http.Request) {
	ts, z, x, y, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	mu.Lock()
	count++
	lastRequests = append(lastRequests, request{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Path:      r.URL.Path,
	})
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("tile #%d: ts=%s z=%d x=%d y=%d", current, ts, z, x, y)
	w.Header().Set("Content-Type", "image/png")
	w.Write(tilePNG(ts, z, x, y))
}

// parseTilePath extracts the template parameters from the request path tail.
func parseTilePath(path string) (ts string, z, x, y int, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 5 {
		return "", 0, 0, 0, false
	}
	tail := parts[len(parts)-5:]
	if tail[1] != "jpg" || !strings.HasSuffix(tail[4], ".png") {
		return "", 0, 0, 0, false
	}
	ts = tail[0]
	if len(ts) != 14 {
		return "", 0, 0, 0, false
	}
	var err error
	if z, err = strconv.Atoi(tail[2]); err != nil {
		return "", 0, 0, 0, false
	}
	if x, err = strconv.Atoi(tail[3]); err != nil {
		return "", 0, 0, 0, false
	}
	if y, err = strconv.Atoi(strings.TrimSuffix(tail[4], ".png")); err != nil {
		return "", 0, 0, 0, false
	}
	return ts, z, x, y, true
}

// tilePNG renders a deterministic noise tile. Noise keeps the encoded size
// above the client's minimum byte check; a uniform fill would compress below
// it and be rejected as undersized.
func tilePNG(ts string, z, x, y int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))

	seed := uint32(z)*1000003 + uint32(x)*7919 + uint32(y)*104729
	for _, c := range ts {
		seed = seed*31 + uint32(c)
	}

	for py := 0; py < tileSize; py++ {
		for px := 0; px < tileSize; px++ {
			v := seed ^ uint32(px)*2654435761 ^ uint32(py)*40503
			v ^= v >> 13
			img.Set(px, py, color.RGBA{
				R: uint8(64 + v%96),
				G: uint8(96 + (v>>8)%96),
				B: uint8(128 + (v>>16)%96),
				A: 255,
			})
		}
	}

	// Border marks the tile edges in the stitched output.
	edge := color.RGBA{R: 20, G: 20, B: 20, A: 255}
	for i := 0; i < tileSize; i++ {
		img.Set(i, 0, edge)
		img.Set(i, tileSize-1, edge)
		img.Set(0, i, edge)
		img.Set(tileSize-1, i, edge)
	}

	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
