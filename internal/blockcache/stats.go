package blockcache

import (
	"sync/atomic"
	"time"
)

// Stats tracks cache-wide counters.
type Stats struct {
	Requests      atomic.Int64
	CacheHitBytes atomic.Int64
	NetworkBytes  atomic.Int64
	Validations   atomic.Int64
	Invalidations atomic.Int64
	Evictions     atomic.Int64
	DegradedReads atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the stats.
type StatsSnapshot struct {
	Requests      int64 `json:"requests"`
	CacheHitBytes int64 `json:"cache_hit_bytes"`
	NetworkBytes  int64 `json:"network_bytes"`
	Validations   int64 `json:"validations"`
	Invalidations int64 `json:"invalidations"`
	Evictions     int64 `json:"evictions"`
	DegradedReads int64 `json:"degraded_reads"`
	CachedBooks   int   `json:"cached_books"`
}

func (s *Stats) snapshot(books int) StatsSnapshot {
	return StatsSnapshot{
		Requests:      s.Requests.Load(),
		CacheHitBytes: s.CacheHitBytes.Load(),
		NetworkBytes:  s.NetworkBytes.Load(),
		Validations:   s.Validations.Load(),
		Invalidations: s.Invalidations.Load(),
		Evictions:     s.Evictions.Load(),
		DegradedReads: s.DegradedReads.Load(),
		CachedBooks:   books,
	}
}

// BookStats describes one book's cache image.
type BookStats struct {
	BookID        int64     `json:"book_id"`
	FileSize      int64     `json:"file_size"`
	BlocksCached  int64     `json:"blocks_cached"`
	TotalBlocks   int64     `json:"total_blocks"`
	CachedBytes   int64     `json:"cached_bytes"`
	CreatedAt     time.Time `json:"created_at"`
	LastValidated time.Time `json:"last_validated"`
	LastAccessed  time.Time `json:"last_accessed"`
}

// Accounting labels a single read with where its bytes came from.
type Accounting struct {
	CacheHitBytes int64
	NetworkBytes  int64
}
