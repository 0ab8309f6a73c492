package steps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

const indexFileName = "timestamps.json"

// IndexPath returns the location of the tile set index under dataDir.
func IndexPath(dataDir string) string {
	return filepath.Join(TilesRootDir(dataDir), indexFileName)
}

// ReadIndex loads the published timestamp index. A missing file is an empty
// index, not an error.
func ReadIndex(dataDir string) ([]domain.Timestamp, error) {
	raw, err := os.ReadFile(IndexPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []domain.Timestamp
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", indexFileName, err)
	}
	return entries, nil
}

// WriteIndex replaces the index atomically. Entries are written sorted and
// deduplicated so readers always see a clean ascending list.
func WriteIndex(dataDir string, entries []domain.Timestamp) error {
	seen := make(map[domain.Timestamp]struct{}, len(entries))
	out := make([]domain.Timestamp, 0, len(entries))
	for _, ts := range entries {
		if _, ok := seen[ts]; ok {
			continue
		}
		seen[ts] = struct{}{}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	dir := TilesRootDir(dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, indexFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, IndexPath(dataDir))
}

// AddToIndex inserts ts into the index, keeping order and uniqueness.
func AddToIndex(dataDir string, ts domain.Timestamp) error {
	entries, err := ReadIndex(dataDir)
	if err != nil {
		return err
	}
	return WriteIndex(dataDir, append(entries, ts))
}

// RemoveFromIndex drops entries from the index. Unknown timestamps are
// ignored.
func RemoveFromIndex(dataDir string, remove []domain.Timestamp) error {
	entries, err := ReadIndex(dataDir)
	if err != nil {
		return err
	}
	drop := make(map[domain.Timestamp]struct{}, len(remove))
	for _, ts := range remove {
		drop[ts] = struct{}{}
	}
	kept := entries[:0]
	for _, ts := range entries {
		if _, ok := drop[ts]; ok {
			continue
		}
		kept = append(kept, ts)
	}
	return WriteIndex(dataDir, kept)
}
