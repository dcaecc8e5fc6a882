package blockcache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/javi11/bookstream/internal/origin"
)

const (
	// DefaultBlockSize is the cache tracking granularity.
	DefaultBlockSize = 4096

	// DefaultMaxCoalesceGap bounds the cached gap absorbed into one request.
	DefaultMaxCoalesceGap = 8 * 1024

	// DefaultValidationInterval is how long a cached image is trusted
	// before the next access re-checks origin metadata.
	DefaultValidationInterval = 24 * time.Hour
)

// Fetcher is the origin access the cache needs. Satisfied by the mirror pool,
// which rangesrc.DirectSource also wraps.
type Fetcher interface {
	Head(ctx context.Context, bookID int64) (origin.Info, error)
	GetRange(ctx context.Context, bookID, lo, hi int64) ([]byte, error)
}

// Config holds sparse cache configuration. Zero values fall back to defaults.
type Config struct {
	CacheDir           string
	BlockSize          int64
	MaxCoalesceGap     int64
	ValidationInterval time.Duration
	MaxBooks           int // 0 disables whole-image eviction
}

func (c *Config) applyDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MaxCoalesceGap <= 0 {
		c.MaxCoalesceGap = DefaultMaxCoalesceGap
	}
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = DefaultValidationInterval
	}
}

// Cache represents each remote book as a pre-allocated sparse image plus a
// block bitmap, coalesces missing ranges into few origin requests, and
// validates freshness against origin metadata.
type Cache struct {
	fs      afero.Fs
	fetcher Fetcher
	cfg     Config
	log     *slog.Logger

	mu     sync.Mutex
	images map[int64]*image

	// flight deduplicates concurrent origin fetches by (book, lo, hi).
	flight singleflight.Group

	stats Stats
}

// NewCache creates a sparse block cache rooted at cfg.CacheDir.
func NewCache(fs afero.Fs, fetcher Fetcher, cfg Config) (*Cache, error) {
	cfg.applyDefaults()

	if err := fs.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &Cache{
		fs:      fs,
		fetcher: fetcher,
		cfg:     cfg,
		log:     slog.Default().With("component", "blockcache"),
		images:  make(map[int64]*image),
	}, nil
}

// GetFileSize returns the origin size for a book, initializing the cache
// image on first access. If the image cannot be built the call falls through
// to a plain HEAD so the caller still gets an answer.
func (c *Cache) GetFileSize(ctx context.Context, bookID int64) (int64, error) {
	if bookID <= 0 {
		return 0, fmt.Errorf("invalid book id %d", bookID)
	}

	img, err := c.getImage(ctx, bookID)
	if err != nil {
		c.stats.DegradedReads.Add(1)
		info, herr := c.fetcher.Head(ctx, bookID)
		if herr != nil {
			return 0, herr
		}
		return info.Size, nil
	}

	img.mu.Lock()
	size := img.meta.FileSize
	img.mu.Unlock()
	return size, nil
}

// GetRange returns exactly hi-lo+1 bytes equal to the origin bytes at those
// offsets after clamping to [0, fileSize-1]. Missing blocks are fetched from
// origin in coalesced, block-aligned requests; everything else is served from
// the sparse image. Local I/O trouble degrades this single call to a direct
// origin read.
func (c *Cache) GetRange(ctx context.Context, bookID, lo, hi int64) ([]byte, Accounting, error) {
	if bookID <= 0 {
		return nil, Accounting{}, fmt.Errorf("invalid book id %d", bookID)
	}
	if lo > hi {
		return nil, Accounting{}, fmt.Errorf("invalid range %d-%d", lo, hi)
	}

	c.stats.Requests.Add(1)

	img, err := c.getImage(ctx, bookID)
	if err != nil {
		return c.degradedRead(ctx, bookID, lo, hi, err)
	}

	img.mu.Lock()
	fileSize := img.meta.FileSize
	img.meta.LastAccessed = time.Now()
	img.mu.Unlock()

	// Clamp to the real file extent; a range fully past EOF is empty.
	if lo < 0 {
		lo = 0
	}
	if hi > fileSize-1 {
		hi = fileSize - 1
	}
	if fileSize == 0 || lo > hi {
		return nil, Accounting{}, nil
	}

	img.mu.Lock()
	missing := findUncachedRanges(img.bm, lo, hi, c.cfg.BlockSize, fileSize, c.cfg.MaxCoalesceGap)
	img.mu.Unlock()
	missing = coalesce(missing, c.cfg.MaxCoalesceGap)

	var acct Accounting
	freshBlocks := int64(0)

	for _, r := range missing {
		key := fmt.Sprintf("%d:%d-%d", bookID, r.Lo, r.Hi)
		res, err, shared := c.flight.Do(key, func() (any, error) {
			data, err := c.fetcher.GetRange(ctx, bookID, r.Lo, r.Hi)
			if err != nil {
				return nil, err
			}

			img.mu.Lock()
			fresh, werr := img.writeRange(r.Lo, data)
			img.mu.Unlock()
			if werr != nil {
				return nil, &localIOError{werr}
			}
			return fresh, nil
		})
		if err != nil {
			if lerr, ok := err.(*localIOError); ok {
				return c.degradedRead(ctx, bookID, lo, hi, lerr.err)
			}
			return nil, Accounting{}, err
		}
		if !shared {
			acct.NetworkBytes += r.Len()
			freshBlocks += res.(int64)
		}
	}

	if freshBlocks > 0 {
		img.mu.Lock()
		perr := img.persist()
		img.mu.Unlock()
		if perr != nil {
			c.log.Warn("Failed to persist cache state", "book_id", bookID, "error", perr)
		}
	}

	img.mu.Lock()
	data, rerr := img.readAt(lo, hi)
	img.mu.Unlock()
	if rerr != nil {
		return c.degradedRead(ctx, bookID, lo, hi, rerr)
	}

	reqLen := hi - lo + 1
	if acct.NetworkBytes > reqLen {
		// Block alignment can over-fetch; callers only care about the split
		// of the bytes they asked for.
		acct.CacheHitBytes = 0
	} else {
		acct.CacheHitBytes = reqLen - acct.NetworkBytes
	}

	c.stats.CacheHitBytes.Add(acct.CacheHitBytes)
	c.stats.NetworkBytes.Add(acct.NetworkBytes)

	return data, acct, nil
}

// Invalidate removes all three on-disk artifacts and memory state for a book.
func (c *Cache) Invalidate(bookID int64) {
	c.mu.Lock()
	img, ok := c.images[bookID]
	if ok {
		delete(c.images, bookID)
	}
	c.mu.Unlock()

	if !ok {
		dataPath, bmPath, metaPath := imagePaths(c.cfg.CacheDir, bookID)
		c.fs.Remove(dataPath)
		c.fs.Remove(bmPath)
		c.fs.Remove(metaPath)
		return
	}

	img.mu.Lock()
	img.removeArtifacts()
	img.mu.Unlock()

	c.stats.Invalidations.Add(1)
}

// ForceValidation re-checks origin metadata for a book regardless of age.
func (c *Cache) ForceValidation(ctx context.Context, bookID int64) error {
	img, err := c.getImage(ctx, bookID)
	if err != nil {
		return err
	}
	return c.validate(ctx, img, true)
}

// Stats returns cache-wide counters.
func (c *Cache) Stats() StatsSnapshot {
	c.mu.Lock()
	books := len(c.images)
	c.mu.Unlock()
	return c.stats.snapshot(books)
}

// GetBookStats describes one book's cache image, or nil when absent.
func (c *Cache) GetBookStats(bookID int64) *BookStats {
	c.mu.Lock()
	img, ok := c.images[bookID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	img.mu.Lock()
	defer img.mu.Unlock()
	return &BookStats{
		BookID:        img.id,
		FileSize:      img.meta.FileSize,
		BlocksCached:  img.meta.BlocksCached,
		TotalBlocks:   img.meta.TotalBlocks,
		CachedBytes:   img.meta.BlocksCached * c.cfg.BlockSize,
		CreatedAt:     img.meta.CreatedAt,
		LastValidated: img.meta.LastValidated,
		LastAccessed:  img.meta.LastAccessed,
	}
}

// Close releases open data files. Cached artifacts stay on disk.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, img := range c.images {
		img.mu.Lock()
		img.close()
		img.mu.Unlock()
	}
	c.images = make(map[int64]*image)
}

// localIOError marks cache-side failures inside a singleflight fetch so the
// caller can tell them apart from origin failures and degrade.
type localIOError struct{ err error }

func (e *localIOError) Error() string { return e.err.Error() }
func (e *localIOError) Unwrap() error { return e.err }

// degradedRead serves a single call straight from origin, leaving the image
// untouched. Origin failures propagate.
func (c *Cache) degradedRead(ctx context.Context, bookID, lo, hi int64, cause error) ([]byte, Accounting, error) {
	c.stats.DegradedReads.Add(1)
	c.log.Warn("Cache degraded to direct origin read", "book_id", bookID, "error", cause)

	info, err := c.fetcher.Head(ctx, bookID)
	if err != nil {
		return nil, Accounting{}, err
	}
	if lo < 0 {
		lo = 0
	}
	if hi > info.Size-1 {
		hi = info.Size - 1
	}
	if info.Size == 0 || lo > hi {
		return nil, Accounting{}, nil
	}

	data, err := c.fetcher.GetRange(ctx, bookID, lo, hi)
	if err != nil {
		return nil, Accounting{}, err
	}

	acct := Accounting{NetworkBytes: int64(len(data))}
	c.stats.NetworkBytes.Add(acct.NetworkBytes)
	return data, acct, nil
}

// getImage returns the live image for a book, opening or creating it as
// needed and running staleness validation.
func (c *Cache) getImage(ctx context.Context, bookID int64) (*image, error) {
	c.mu.Lock()
	img, ok := c.images[bookID]
	c.mu.Unlock()

	if !ok {
		var err error
		img, err = c.openOrCreate(ctx, bookID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if existing, raced := c.images[bookID]; raced {
			// Another caller built the image first; keep theirs.
			c.mu.Unlock()
			img.mu.Lock()
			img.close()
			img.mu.Unlock()
			img = existing
		} else {
			c.images[bookID] = img
			c.mu.Unlock()
			c.evict(bookID)
		}
	}

	if err := c.validate(ctx, img, false); err != nil {
		return nil, err
	}

	return img, nil
}

func (c *Cache) openOrCreate(ctx context.Context, bookID int64) (*image, error) {
	img, err := openImage(c.fs, c.cfg.CacheDir, bookID, c.cfg.BlockSize)
	if err == nil {
		return img, nil
	}

	if exists, _ := afero.Exists(c.fs, filepath.Join(c.cfg.CacheDir, fmt.Sprintf("%d%s", bookID, metaSuffix))); exists {
		// Corrupt image: discard and rebuild from scratch.
		c.log.Warn("Discarding corrupt cache image", "book_id", bookID, "error", err)
		dataPath, bmPath, metaPath := imagePaths(c.cfg.CacheDir, bookID)
		c.fs.Remove(dataPath)
		c.fs.Remove(bmPath)
		c.fs.Remove(metaPath)
	}

	info, err := c.fetcher.Head(ctx, bookID)
	if err != nil {
		return nil, err
	}

	img, err = createImage(c.fs, c.cfg.CacheDir, bookID, info.Size, c.cfg.BlockSize, info.ETag, info.LastModified)
	if err != nil {
		return nil, err
	}

	c.log.Info("Initialized cache image",
		"book_id", bookID, "file_size", info.Size, "total_blocks", img.meta.TotalBlocks)
	return img, nil
}

// validate re-checks origin metadata when the image is stale (or force is
// set). A HEAD failure is logged and ignored so network flakiness cannot
// destroy cached data; lastValidated stays put so the next call retries.
func (c *Cache) validate(ctx context.Context, img *image, force bool) error {
	img.mu.Lock()
	stale := force || time.Since(img.meta.LastValidated) > c.cfg.ValidationInterval
	img.mu.Unlock()
	if !stale {
		return nil
	}

	info, err := c.fetcher.Head(ctx, img.id)
	if err != nil {
		c.log.Warn("Validation HEAD failed, keeping cached image", "book_id", img.id, "error", err)
		return nil
	}

	c.stats.Validations.Add(1)

	img.mu.Lock()
	changed := info.Size != img.meta.FileSize ||
		(info.ETag != "" && img.meta.ETag != "" && info.ETag != img.meta.ETag) ||
		(info.LastModified != "" && img.meta.LastModified != "" && info.LastModified != img.meta.LastModified)
	img.mu.Unlock()

	if !changed {
		img.mu.Lock()
		img.meta.LastValidated = time.Now()
		err := saveMeta(img.fs, img.metaPath, img.meta)
		img.mu.Unlock()
		if err != nil {
			c.log.Warn("Failed to persist validation timestamp", "book_id", img.id, "error", err)
		}
		return nil
	}

	c.log.Info("Origin changed, rebuilding cache image",
		"book_id", img.id, "old_size", img.meta.FileSize, "new_size", info.Size)

	img.mu.Lock()
	img.removeArtifacts()
	fresh, cerr := createImage(c.fs, c.cfg.CacheDir, img.id, info.Size, c.cfg.BlockSize, info.ETag, info.LastModified)
	if cerr != nil {
		img.mu.Unlock()
		return cerr
	}
	// Swap the rebuilt state into the live image so existing handles stay valid.
	img.meta = fresh.meta
	img.bm = fresh.bm
	img.dataFile = fresh.dataFile
	img.mu.Unlock()

	c.stats.Invalidations.Add(1)
	return nil
}

// evict removes whole least-recently-accessed book images beyond MaxBooks.
// The book that triggered the scan is never evicted.
func (c *Cache) evict(keep int64) {
	if c.cfg.MaxBooks <= 0 {
		return
	}

	type candidate struct {
		id       int64
		accessed time.Time
	}

	entries, err := afero.ReadDir(c.fs, c.cfg.CacheDir)
	if err != nil {
		return
	}

	var books []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		id, perr := strconv.ParseInt(strings.TrimSuffix(name, metaSuffix), 10, 64)
		if perr != nil {
			continue
		}
		meta, merr := loadMeta(c.fs, filepath.Join(c.cfg.CacheDir, name))
		if merr != nil {
			continue
		}
		books = append(books, candidate{id: id, accessed: meta.LastAccessed})
	}

	if len(books) <= c.cfg.MaxBooks {
		return
	}

	sort.Slice(books, func(i, j int) bool { return books[i].accessed.Before(books[j].accessed) })

	excess := len(books) - c.cfg.MaxBooks
	for _, b := range books {
		if excess == 0 {
			break
		}
		if b.id == keep {
			continue
		}
		c.Invalidate(b.id)
		c.stats.Evictions.Add(1)
		c.log.Info("Evicted cache image", "book_id", b.id)
		excess--
	}
}
