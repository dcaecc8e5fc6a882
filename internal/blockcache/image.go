package blockcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	dataSuffix   = ".dat"
	bitmapSuffix = ".bm"
	metaSuffix   = ".meta"
)

// image is the in-memory handle for one book's on-disk cache artifacts:
// a sparse data file, a packed block bitmap and a metadata record.
// All mutation goes through mu; the Cache holds at most one image per book.
type image struct {
	mu sync.Mutex

	id        int64
	blockSize int64
	meta      *imageMeta
	bm        []byte

	fs       afero.Fs
	dataPath string
	bmPath   string
	metaPath string
	dataFile afero.File
}

func imagePaths(dir string, id int64) (data, bm, meta string) {
	base := filepath.Join(dir, fmt.Sprintf("%d", id))
	return base + dataSuffix, base + bitmapSuffix, base + metaSuffix
}

// createImage builds a fresh image: a hole-allocated data file of the exact
// origin size, a zeroed bitmap and a metadata record. Any partial artifacts
// are removed on failure so a half-built image is never left behind.
func createImage(fs afero.Fs, dir string, id, fileSize, blockSize int64, etag, lastModified string) (*image, error) {
	dataPath, bmPath, metaPath := imagePaths(dir, id)

	totalBlocks := (fileSize + blockSize - 1) / blockSize
	now := time.Now()

	img := &image{
		id:        id,
		blockSize: blockSize,
		bm:        make([]byte, bitmapLen(totalBlocks)),
		fs:        fs,
		dataPath:  dataPath,
		bmPath:    bmPath,
		metaPath:  metaPath,
		meta: &imageMeta{
			Version:       metaVersion,
			BookID:        id,
			FileSize:      fileSize,
			ETag:          etag,
			LastModified:  lastModified,
			CreatedAt:     now,
			LastValidated: now,
			LastAccessed:  now,
			TotalBlocks:   totalBlocks,
		},
	}

	if err := img.materialize(); err != nil {
		img.removeArtifacts()
		return nil, err
	}

	return img, nil
}

// materialize writes the three artifacts for a brand-new image.
func (img *image) materialize() error {
	f, err := img.fs.OpenFile(img.dataPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create sparse data file: %w", err)
	}
	// Truncate to final size; unwritten regions stay filesystem holes.
	if err := f.Truncate(img.meta.FileSize); err != nil {
		f.Close()
		return fmt.Errorf("allocate sparse data file: %w", err)
	}
	img.dataFile = f

	if err := afero.WriteFile(img.fs, img.bmPath, img.bm, 0o644); err != nil {
		return fmt.Errorf("create bitmap: %w", err)
	}
	if err := saveMeta(img.fs, img.metaPath, img.meta); err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	return nil
}

// openImage loads an existing image from disk, verifying artifact geometry.
// Any inconsistency is reported as corruption so the caller can rebuild.
func openImage(fs afero.Fs, dir string, id, blockSize int64) (*image, error) {
	dataPath, bmPath, metaPath := imagePaths(dir, id)

	meta, err := loadMeta(fs, metaPath)
	if err != nil {
		return nil, err
	}
	if meta.BookID != id {
		return nil, fmt.Errorf("metadata book id %d does not match %d", meta.BookID, id)
	}

	fi, err := fs.Stat(dataPath)
	if err != nil {
		return nil, err
	}
	if fi.Size() != meta.FileSize {
		return nil, fmt.Errorf("data file length %d does not match recorded size %d", fi.Size(), meta.FileSize)
	}

	bm, err := afero.ReadFile(fs, bmPath)
	if err != nil {
		return nil, err
	}
	if int64(len(bm)) != bitmapLen(meta.TotalBlocks) {
		return nil, fmt.Errorf("bitmap length %d does not match %d blocks", len(bm), meta.TotalBlocks)
	}
	if popcount(bm) != meta.BlocksCached {
		return nil, fmt.Errorf("bitmap popcount disagrees with recorded block count for book %d", id)
	}

	f, err := fs.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	return &image{
		id:        id,
		blockSize: blockSize,
		meta:      meta,
		bm:        bm,
		fs:        fs,
		dataPath:  dataPath,
		bmPath:    bmPath,
		metaPath:  metaPath,
		dataFile:  f,
	}, nil
}

// readAt reads an inclusive byte range from the data file.
func (img *image) readAt(lo, hi int64) ([]byte, error) {
	buf := make([]byte, hi-lo+1)
	n, err := img.dataFile.ReadAt(buf, lo)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, fmt.Errorf("read cache data [%d, %d]: %w", lo, hi, err)
	}
	return buf, nil
}

// writeRange writes origin bytes at their absolute offset and marks every
// spanned block as cached. Returns the number of newly cached blocks.
func (img *image) writeRange(lo int64, data []byte) (int64, error) {
	if _, err := img.dataFile.WriteAt(data, lo); err != nil {
		return 0, fmt.Errorf("write cache data at %d: %w", lo, err)
	}

	hi := lo + int64(len(data)) - 1
	k0 := byteToBlock(lo, img.blockSize)
	k1 := byteToBlock(hi, img.blockSize)

	var fresh int64
	for k := k0; k <= k1; k++ {
		if !isCached(img.bm, k) {
			fresh++
		}
	}
	markRange(img.bm, k0, k1)
	img.meta.BlocksCached += fresh

	return fresh, nil
}

// persist flushes the bitmap and metadata after new blocks were filled.
func (img *image) persist() error {
	if err := afero.WriteFile(img.fs, img.bmPath, img.bm, 0o644); err != nil {
		return fmt.Errorf("persist bitmap: %w", err)
	}
	return saveMeta(img.fs, img.metaPath, img.meta)
}

func (img *image) close() {
	if img.dataFile != nil {
		img.dataFile.Close()
		img.dataFile = nil
	}
}

func (img *image) removeArtifacts() {
	img.close()
	img.fs.Remove(img.dataPath)
	img.fs.Remove(img.bmPath)
	img.fs.Remove(img.metaPath)
}
