// Package rangesrc gives readers one view over a book's bytes whether the
// sparse cache is enabled or not, and reports per-request accounting so
// callers can label reads as cached or network.
package rangesrc

import (
	"context"
	"sync"

	"github.com/javi11/bookstream/internal/blockcache"
)

// Source is the read interface consumed by the navigator and the searcher.
// ReadRange clamps to the file extent and returns exactly hi-lo+1 bytes after
// clamping; a range fully past the end is empty.
type Source interface {
	FileSize(ctx context.Context, bookID int64) (int64, error)
	ReadRange(ctx context.Context, bookID, lo, hi int64) ([]byte, error)
}

// Accounting mirrors blockcache.Accounting for callers that track it.
type Accounting = blockcache.Accounting

// CacheSource serves reads through the sparse block cache.
type CacheSource struct {
	cache *blockcache.Cache

	mu   sync.Mutex
	last Accounting
}

// NewCacheSource wraps a sparse block cache.
func NewCacheSource(cache *blockcache.Cache) *CacheSource {
	return &CacheSource{cache: cache}
}

func (s *CacheSource) FileSize(ctx context.Context, bookID int64) (int64, error) {
	return s.cache.GetFileSize(ctx, bookID)
}

func (s *CacheSource) ReadRange(ctx context.Context, bookID, lo, hi int64) ([]byte, error) {
	data, acct, err := s.cache.GetRange(ctx, bookID, lo, hi)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.last = acct
	s.mu.Unlock()

	return data, nil
}

// LastAccounting reports where the bytes of the most recent read came from.
func (s *CacheSource) LastAccounting() Accounting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// DirectSource bypasses the cache and reads straight from origin. Used when
// caching is disabled; the cache's own per-call degraded reads do not go
// through it.
type DirectSource struct {
	fetcher blockcache.Fetcher

	mu    sync.Mutex
	sizes map[int64]int64
}

// NewDirectSource wraps an origin fetcher.
func NewDirectSource(fetcher blockcache.Fetcher) *DirectSource {
	return &DirectSource{fetcher: fetcher, sizes: make(map[int64]int64)}
}

func (s *DirectSource) FileSize(ctx context.Context, bookID int64) (int64, error) {
	s.mu.Lock()
	if size, ok := s.sizes[bookID]; ok {
		s.mu.Unlock()
		return size, nil
	}
	s.mu.Unlock()

	info, err := s.fetcher.Head(ctx, bookID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.sizes[bookID] = info.Size
	s.mu.Unlock()

	return info.Size, nil
}

func (s *DirectSource) ReadRange(ctx context.Context, bookID, lo, hi int64) ([]byte, error) {
	size, err := s.FileSize(ctx, bookID)
	if err != nil {
		return nil, err
	}

	if lo < 0 {
		lo = 0
	}
	if hi > size-1 {
		hi = size - 1
	}
	if size == 0 || lo > hi {
		return nil, nil
	}

	return s.fetcher.GetRange(ctx, bookID, lo, hi)
}
