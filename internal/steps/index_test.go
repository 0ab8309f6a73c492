package steps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lanseria/fy-4b-tools/internal/domain"
)

// TestReadIndexMissing treats an absent index file as an empty index.
func TestReadIndexMissing(t *testing.T) {
	entries, err := ReadIndex(t.TempDir())
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty index, got %v", entries)
	}
}

// TestWriteIndexSortsAndDeduplicates verifies the stored index is ascending
// and unique regardless of input order.
func TestWriteIndexSortsAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	in := []domain.Timestamp{
		"20240115130000",
		"20240115120000",
		"20240115130000",
		"20240115114500",
	}
	if err := WriteIndex(dir, in); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}

	entries, err := ReadIndex(dir)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	want := []domain.Timestamp{"20240115114500", "20240115120000", "20240115130000"}
	if len(entries) != len(want) {
		t.Fatalf("got %v, want %v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("got %v, want %v", entries, want)
		}
	}
}

// TestAddToIndex appends into an existing index keeping order.
func TestAddToIndex(t *testing.T) {
	dir := t.TempDir()
	if err := WriteIndex(dir, []domain.Timestamp{"20240115120000"}); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	if err := AddToIndex(dir, "20240115114500"); err != nil {
		t.Fatalf("AddToIndex: %v", err)
	}

	entries, _ := ReadIndex(dir)
	if len(entries) != 2 || entries[0] != "20240115114500" || entries[1] != "20240115120000" {
		t.Fatalf("unexpected index: %v", entries)
	}
}

// TestRemoveFromIndex drops named entries and ignores unknown ones.
func TestRemoveFromIndex(t *testing.T) {
	dir := t.TempDir()
	if err := WriteIndex(dir, []domain.Timestamp{"20240115114500", "20240115120000", "20240115130000"}); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	err := RemoveFromIndex(dir, []domain.Timestamp{"20240115120000", "20990101000000"})
	if err != nil {
		t.Fatalf("RemoveFromIndex: %v", err)
	}

	entries, _ := ReadIndex(dir)
	if len(entries) != 2 || entries[0] != "20240115114500" || entries[1] != "20240115130000" {
		t.Fatalf("unexpected index: %v", entries)
	}
}

// TestWriteIndexLeavesNoTempFiles confirms the atomic rewrite cleans up
// after itself.
func TestWriteIndexLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := WriteIndex(dir, []domain.Timestamp{"20240115120000"}); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}

	files, err := os.ReadDir(TilesRootDir(dir))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, f := range files {
		if f.Name() != indexFileName {
			t.Errorf("unexpected file in tiles root: %s", f.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(TilesRootDir(dir), indexFileName)); err != nil {
		t.Fatalf("index missing: %v", err)
	}
}
