package blockcache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/afero"
)

const metaVersion = 1

// imageMeta is persisted as JSON alongside each data file and bitmap.
type imageMeta struct {
	Version       int       `json:"version"`
	BookID        int64     `json:"book_id"`
	FileSize      int64     `json:"file_size"`
	ETag          string    `json:"etag,omitempty"`
	LastModified  string    `json:"last_modified,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastValidated time.Time `json:"last_validated"`
	LastAccessed  time.Time `json:"last_accessed"`
	BlocksCached  int64     `json:"blocks_cached"`
	TotalBlocks   int64     `json:"total_blocks"`
}

// loadMeta reads and sanity-checks a metadata record. A record whose version
// or geometry cannot be trusted is rejected so the caller rebuilds the image.
func loadMeta(fs afero.Fs, path string) (*imageMeta, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var m imageMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	if m.Version != metaVersion {
		return nil, fmt.Errorf("unsupported cache metadata version %d", m.Version)
	}
	if m.FileSize < 0 || m.TotalBlocks < 0 || m.BlocksCached < 0 || m.BlocksCached > m.TotalBlocks {
		return nil, fmt.Errorf("inconsistent cache metadata for book %d", m.BookID)
	}

	return &m, nil
}

// saveMeta persists the record with a write-temp-then-rename so a crash never
// leaves a torn metadata file behind.
func saveMeta(fs afero.Fs, path string, m *imageMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return err
	}

	return nil
}
