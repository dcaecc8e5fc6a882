package blockcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/bookstream/internal/origin"
)

// fakeFetcher serves a fixed byte slice and records every range request.
type fakeFetcher struct {
	mu           sync.Mutex
	data         []byte
	etag         string
	lastModified string
	headCalls    int
	rangeCalls   []Range
	headErr      error
	rangeErr     error
}

func (f *fakeFetcher) Head(ctx context.Context, bookID int64) (origin.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	if f.headErr != nil {
		return origin.Info{}, f.headErr
	}
	return origin.Info{Size: int64(len(f.data)), ETag: f.etag, LastModified: f.lastModified}, nil
}

func (f *fakeFetcher) GetRange(ctx context.Context, bookID, lo, hi int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	f.rangeCalls = append(f.rangeCalls, Range{Lo: lo, Hi: hi})
	if hi > int64(len(f.data))-1 {
		hi = int64(len(f.data)) - 1
	}
	out := make([]byte, hi-lo+1)
	copy(out, f.data[lo:hi+1])
	return out, nil
}

func (f *fakeFetcher) calls() []Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Range, len(f.rangeCalls))
	copy(out, f.rangeCalls)
	return out
}

func (f *fakeFetcher) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls = nil
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func newTestCache(t *testing.T, fetcher Fetcher, cfg Config) *Cache {
	t.Helper()
	if cfg.CacheDir == "" {
		cfg.CacheDir = "/cache"
	}
	c, err := NewCache(afero.NewMemMapFs(), fetcher, cfg)
	require.NoError(t, err)
	return c
}

func TestCache_GetRange_MatchesOrigin(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(20000), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	for _, r := range []Range{{0, 8191}, {100, 250}, {19990, 19999}, {0, 19999}} {
		got, _, err := c.GetRange(ctx, 1342, r.Lo, r.Hi)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(fetcher.data[r.Lo:r.Hi+1], got), "range %+v", r)
	}
}

func TestCache_Refetch_OnlyMissingBlocks(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(64 * 1024), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	_, acct, err := c.GetRange(ctx, 1342, 0, 8191)
	require.NoError(t, err)
	assert.EqualValues(t, 8192, acct.NetworkBytes)
	assert.EqualValues(t, 0, acct.CacheHitBytes)

	fetcher.resetCalls()

	// Overlapping read: only block 2 (8192-12287) is missing, and the
	// request must be block-aligned.
	got, acct, err := c.GetRange(ctx, 1342, 4096, 12287)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(fetcher.data[4096:12288], got))

	calls := fetcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, Range{Lo: 8192, Hi: 12287}, calls[0])
	assert.EqualValues(t, 4096, acct.NetworkBytes)
	assert.EqualValues(t, 4096, acct.CacheHitBytes)

	// Fully cached read needs no origin traffic at all.
	fetcher.resetCalls()
	_, acct, err = c.GetRange(ctx, 1342, 0, 12287)
	require.NoError(t, err)
	assert.Empty(t, fetcher.calls())
	assert.EqualValues(t, 0, acct.NetworkBytes)
	assert.EqualValues(t, 12288, acct.CacheHitBytes)
}

func TestCache_CoalescesAcrossCachedGap(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(64 * 1024), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	// Prime blocks 0 and 3.
	_, _, err := c.GetRange(ctx, 84, 0, 4095)
	require.NoError(t, err)
	_, _, err = c.GetRange(ctx, 84, 12288, 16383)
	require.NoError(t, err)

	fetcher.resetCalls()

	// Blocks 1-2 are missing; they are one contiguous run and must come
	// back in a single request.
	_, _, err = c.GetRange(ctx, 84, 0, 4*4096-1)
	require.NoError(t, err)

	calls := fetcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, Range{Lo: 4096, Hi: 12287}, calls[0])
}

func TestCache_CoalescesOverCachedBlockGap(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(64 * 1024), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	// Prime blocks 0 and 2; blocks 1 and 3 stay missing with a one-block
	// cached gap between them.
	_, _, err := c.GetRange(ctx, 84, 0, 4095)
	require.NoError(t, err)
	_, _, err = c.GetRange(ctx, 84, 8192, 12287)
	require.NoError(t, err)

	fetcher.resetCalls()

	_, _, err = c.GetRange(ctx, 84, 0, 4*4096-1)
	require.NoError(t, err)

	// The 4 KiB cached gap is below the 8 KiB coalesce limit: one request.
	calls := fetcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, Range{Lo: 4096, Hi: 16383}, calls[0])
}

func TestCache_BitmapMatchesMeta(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(40 * 1024), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	reads := []Range{{0, 100}, {5000, 9000}, {30000, 39000}, {0, 40959}}
	for _, r := range reads {
		_, _, err := c.GetRange(ctx, 7, r.Lo, r.Hi)
		require.NoError(t, err)

		c.mu.Lock()
		img := c.images[7]
		c.mu.Unlock()
		img.mu.Lock()
		assert.Equal(t, popcount(img.bm), img.meta.BlocksCached)
		// Every block overlapping the read is now marked.
		for k := byteToBlock(r.Lo, 4096); k <= byteToBlock(r.Hi, 4096); k++ {
			assert.True(t, isCached(img.bm, k), "block %d after read %+v", k, r)
		}
		img.mu.Unlock()
	}
}

func TestCache_EmptyAndPastEOFRanges(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(10000), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	got, _, err := c.GetRange(ctx, 5, 50000, 60000)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Clamped tail read returns only the real bytes.
	got, _, err = c.GetRange(ctx, 5, 9990, 20000)
	require.NoError(t, err)
	assert.Equal(t, fetcher.data[9990:], got)
}

func TestCache_InvalidArguments(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(100)}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	_, _, err := c.GetRange(ctx, 0, 0, 10)
	assert.Error(t, err)
	_, _, err = c.GetRange(ctx, -3, 0, 10)
	assert.Error(t, err)
	_, _, err = c.GetRange(ctx, 1, 10, 5)
	assert.Error(t, err)
}

func TestCache_ValidationInvalidatesOnETagChange(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(32 * 1024), etag: "X"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	_, _, err := c.GetRange(ctx, 11, 0, 16383)
	require.NoError(t, err)
	require.EqualValues(t, 4, c.GetBookStats(11).BlocksCached)

	// Origin publishes a new revision.
	fetcher.mu.Lock()
	fetcher.etag = "Y"
	fetcher.mu.Unlock()

	require.NoError(t, c.ForceValidation(ctx, 11))

	got, acct, err := c.GetRange(ctx, 11, 0, 4095)
	require.NoError(t, err)
	assert.Equal(t, fetcher.data[:4096], got)
	assert.EqualValues(t, 4096, acct.NetworkBytes)

	// The rebuilt image holds only the blocks of the fresh read.
	stats := c.GetBookStats(11)
	assert.EqualValues(t, 1, stats.BlocksCached)
}

func TestCache_ValidationHeadFailureKeepsImage(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(16 * 1024), etag: "X"}
	c := newTestCache(t, fetcher, Config{ValidationInterval: time.Nanosecond})
	ctx := context.Background()

	_, _, err := c.GetRange(ctx, 12, 0, 8191)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.headErr = errors.New("origin flaking")
	fetcher.mu.Unlock()

	// Staleness check fires on the next read, fails, and must not destroy
	// the cached blocks.
	fetcher.resetCalls()
	got, _, err := c.GetRange(ctx, 12, 0, 8191)
	require.NoError(t, err)
	assert.Equal(t, fetcher.data[:8192], got)
	assert.Empty(t, fetcher.calls())
	assert.EqualValues(t, 2, c.GetBookStats(12).BlocksCached)
}

func TestCache_CorruptImageRebuilt(t *testing.T) {
	fs := afero.NewMemMapFs()
	fetcher := &fakeFetcher{data: testData(16 * 1024), etag: "v1"}
	c, err := NewCache(fs, fetcher, Config{CacheDir: "/cache"})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = c.GetRange(ctx, 99, 0, 4095)
	require.NoError(t, err)
	c.Close()

	// Truncate the data file behind the cache's back.
	require.NoError(t, fs.Remove("/cache/99.dat"))
	require.NoError(t, afero.WriteFile(fs, "/cache/99.dat", []byte("short"), 0o644))

	c2, err := NewCache(fs, fetcher, Config{CacheDir: "/cache"})
	require.NoError(t, err)

	got, _, err := c2.GetRange(ctx, 99, 0, 4095)
	require.NoError(t, err)
	assert.Equal(t, fetcher.data[:4096], got)

	// Rebuilt from scratch: only the one re-read block is cached.
	assert.EqualValues(t, 1, c2.GetBookStats(99).BlocksCached)
}

func TestCache_DegradesToDirectOnOriginOnlyImageFailure(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(8192), etag: "v1", headErr: errors.New("down")}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	// Image init needs a HEAD; with origin down the read fails outright.
	_, _, err := c.GetRange(ctx, 3, 0, 100)
	assert.Error(t, err)

	// Origin recovers: the same call now initializes and serves.
	fetcher.mu.Lock()
	fetcher.headErr = nil
	fetcher.mu.Unlock()

	got, _, err := c.GetRange(ctx, 3, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, fetcher.data[:101], got)
}

func TestCache_GetFileSize(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(12345), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	size, err := c.GetFileSize(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, size)

	// Second call answers from the image without another HEAD.
	before := fetcher.headCalls
	size, err = c.GetFileSize(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, size)
	assert.Equal(t, before, fetcher.headCalls)
}

func TestCache_Invalidate(t *testing.T) {
	fs := afero.NewMemMapFs()
	fetcher := &fakeFetcher{data: testData(8192), etag: "v1"}
	c, err := NewCache(fs, fetcher, Config{CacheDir: "/cache"})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = c.GetRange(ctx, 77, 0, 100)
	require.NoError(t, err)

	c.Invalidate(77)

	for _, suffix := range []string{".dat", ".bm", ".meta"} {
		exists, _ := afero.Exists(fs, fmt.Sprintf("/cache/77%s", suffix))
		assert.False(t, exists, "artifact %s should be gone", suffix)
	}
	assert.Nil(t, c.GetBookStats(77))
}

func TestCache_PersistsAcrossInstances(t *testing.T) {
	fs := afero.NewMemMapFs()
	fetcher := &fakeFetcher{data: testData(32 * 1024), etag: "v1"}
	c, err := NewCache(fs, fetcher, Config{CacheDir: "/cache"})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = c.GetRange(ctx, 55, 0, 16383)
	require.NoError(t, err)
	c.Close()

	c2, err := NewCache(fs, fetcher, Config{CacheDir: "/cache"})
	require.NoError(t, err)

	fetcher.resetCalls()
	got, acct, err := c2.GetRange(ctx, 55, 0, 16383)
	require.NoError(t, err)
	assert.Equal(t, fetcher.data[:16384], got)
	assert.Empty(t, fetcher.calls(), "warm image must serve without origin traffic")
	assert.EqualValues(t, 16384, acct.CacheHitBytes)
}

func TestCache_Eviction(t *testing.T) {
	fs := afero.NewMemMapFs()
	fetcher := &fakeFetcher{data: testData(8192), etag: "v1"}
	c, err := NewCache(fs, fetcher, Config{CacheDir: "/cache", MaxBooks: 2})
	require.NoError(t, err)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		_, _, err = c.GetRange(ctx, id, 0, 100)
		require.NoError(t, err)
	}

	entries, err := afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	metas := 0
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 5 && e.Name()[len(e.Name())-5:] == ".meta" {
			metas++
		}
	}
	assert.LessOrEqual(t, metas, 2)
}

func TestCache_StatsCounters(t *testing.T) {
	fetcher := &fakeFetcher{data: testData(16 * 1024), etag: "v1"}
	c := newTestCache(t, fetcher, Config{})
	ctx := context.Background()

	_, _, err := c.GetRange(ctx, 9, 0, 8191)
	require.NoError(t, err)
	_, _, err = c.GetRange(ctx, 9, 0, 8191)
	require.NoError(t, err)

	snap := c.Stats()
	assert.EqualValues(t, 2, snap.Requests)
	assert.EqualValues(t, 8192, snap.NetworkBytes)
	assert.EqualValues(t, 8192, snap.CacheHitBytes)
}
