package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/javi11/bookstream/internal/origin"
)

// ErrAllMirrorsFailed means every configured mirror rejected the request.
var ErrAllMirrorsFailed = errors.New("all mirrors failed")

const (
	// responseEWMAWeight smooths per-mirror response times.
	responseEWMAWeight = 0.2

	// maxStickyFailures consecutive failed calls on a book's sticky mirror,
	// with no other mirror succeeding, before the affinity is dropped. A
	// success on any other mirror moves the affinity to it at once.
	maxStickyFailures = 3
)

// URLBuilder maps a mirror base URL and a book id to a concrete file URL.
type URLBuilder func(base string, bookID int64) string

// DefaultURLBuilder follows the conventional mirror layout for plain-text
// books: <base>/files/<id>/<id>-0.txt.
func DefaultURLBuilder(base string, bookID int64) string {
	return fmt.Sprintf("%s/files/%d/%d-0.txt", base, bookID, bookID)
}

// mirrorState tracks rolling health stats for a single mirror.
type mirrorState struct {
	base          string
	successes     int64
	failures      int64
	consecutive   int64 // consecutive failures
	avgResponseMs float64
	lastSuccess   time.Time
	lastFailure   time.Time
}

func (m *mirrorState) score() float64 {
	// Laplace-smoothed success rate; response time breaks ties in tryOrder.
	return float64(m.successes+1) / float64(m.successes+m.failures+2)
}

// MirrorStats is a point-in-time copy of one mirror's health.
type MirrorStats struct {
	Base          string    `json:"base"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	AvgResponseMs float64   `json:"avg_response_ms"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
}

// MetricsSnapshot aggregates pool health for stats reporting.
type MetricsSnapshot struct {
	Mirrors     []MirrorStats `json:"mirrors"`
	StickyBooks int           `json:"sticky_books"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Pool keeps per-book sticky affinity across a set of equivalent origins and
// falls back to the healthiest remaining mirror when the preferred one fails.
type Pool struct {
	client   *origin.Client
	buildURL URLBuilder
	log      *slog.Logger

	mu      sync.Mutex
	mirrors []*mirrorState
	sticky  map[int64]int // book id -> mirror index
	strikes map[int64]int // book id -> consecutive sticky failures
}

// NewPool creates a mirror pool over the given base URLs.
func NewPool(client *origin.Client, bases []string, buildURL URLBuilder) (*Pool, error) {
	if len(bases) == 0 {
		return nil, errors.New("mirror pool requires at least one base URL")
	}
	if buildURL == nil {
		buildURL = DefaultURLBuilder
	}

	states := make([]*mirrorState, len(bases))
	for i, b := range bases {
		states[i] = &mirrorState{base: b}
	}

	return &Pool{
		client:   client,
		buildURL: buildURL,
		log:      slog.Default().With("component", "mirror-pool"),
		mirrors:  states,
		sticky:   make(map[int64]int),
		strikes:  make(map[int64]int),
	}, nil
}

// BookURL returns the concrete URL for a book on its currently preferred
// mirror. Used by callers that need a URL for labeling only.
func (p *Pool) BookURL(bookID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := 0
	if i, ok := p.sticky[bookID]; ok {
		idx = i
	}
	return p.buildURL(p.mirrors[idx].base, bookID)
}

// Head resolves file metadata for a book, trying the sticky mirror first.
func (p *Pool) Head(ctx context.Context, bookID int64) (origin.Info, error) {
	var info origin.Info
	err := p.withFallback(ctx, bookID, func(ctx context.Context, url string) error {
		var err error
		info, err = p.client.Head(ctx, url)
		return err
	})
	return info, err
}

// GetRange fetches bytes [lo, hi] for a book with mirror fallback.
func (p *Pool) GetRange(ctx context.Context, bookID, lo, hi int64) ([]byte, error) {
	var body []byte
	err := p.withFallback(ctx, bookID, func(ctx context.Context, url string) error {
		var err error
		body, err = p.client.GetRange(ctx, url, lo, hi)
		return err
	})
	return body, err
}

// Get downloads a whole book with mirror fallback.
func (p *Pool) Get(ctx context.Context, bookID int64) ([]byte, error) {
	var body []byte
	err := p.withFallback(ctx, bookID, func(ctx context.Context, url string) error {
		var err error
		body, err = p.client.Get(ctx, url)
		return err
	})
	return body, err
}

// withFallback runs op against the sticky mirror, then the remaining mirrors
// in descending health order. The first success records (or renews) affinity.
func (p *Pool) withFallback(ctx context.Context, bookID int64, op func(ctx context.Context, url string) error) error {
	order := p.tryOrder(bookID)

	var lastErr error
	for _, idx := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.mu.Lock()
		base := p.mirrors[idx].base
		p.mu.Unlock()

		url := p.buildURL(base, bookID)
		start := time.Now()
		err := op(ctx, url)
		elapsed := time.Since(start)

		if err == nil {
			p.recordSuccess(bookID, idx, elapsed)
			return nil
		}

		p.recordFailure(bookID, idx)
		lastErr = err
		p.log.Debug("Mirror request failed, falling back",
			"book_id", bookID, "mirror", base, "error", err)
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrAllMirrorsFailed, lastErr)
	}
	return ErrAllMirrorsFailed
}

// tryOrder returns mirror indexes: sticky first, then the rest sorted by
// success score, faster mirrors first on equal score.
func (p *Pool) tryOrder(bookID int64) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	stickyIdx, hasSticky := p.sticky[bookID]

	rest := make([]int, 0, len(p.mirrors))
	for i := range p.mirrors {
		if hasSticky && i == stickyIdx {
			continue
		}
		rest = append(rest, i)
	}

	sort.SliceStable(rest, func(a, b int) bool {
		ma, mb := p.mirrors[rest[a]], p.mirrors[rest[b]]
		sa, sb := ma.score(), mb.score()
		if sa != sb {
			return sa > sb
		}
		return ma.avgResponseMs < mb.avgResponseMs
	})

	if hasSticky {
		return append([]int{stickyIdx}, rest...)
	}
	return rest
}

func (p *Pool) recordSuccess(bookID int64, idx int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.mirrors[idx]
	m.successes++
	m.consecutive = 0
	m.lastSuccess = time.Now()

	ms := float64(elapsed.Milliseconds())
	if m.avgResponseMs == 0 {
		m.avgResponseMs = ms
	} else {
		m.avgResponseMs = m.avgResponseMs*(1-responseEWMAWeight) + ms*responseEWMAWeight
	}

	p.sticky[bookID] = idx
	delete(p.strikes, bookID)
}

func (p *Pool) recordFailure(bookID int64, idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.mirrors[idx]
	m.failures++
	m.consecutive++
	m.lastFailure = time.Now()

	if sticky, ok := p.sticky[bookID]; ok && sticky == idx {
		p.strikes[bookID]++
		if p.strikes[bookID] >= maxStickyFailures {
			delete(p.sticky, bookID)
			delete(p.strikes, bookID)
			p.log.Info("Cleared sticky mirror after repeated failures",
				"book_id", bookID, "mirror", m.base)
		}
	}
}

// Metrics returns a snapshot of pool health.
func (p *Pool) Metrics() MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := MetricsSnapshot{
		Mirrors:     make([]MirrorStats, len(p.mirrors)),
		StickyBooks: len(p.sticky),
		Timestamp:   time.Now(),
	}
	for i, m := range p.mirrors {
		snap.Mirrors[i] = MirrorStats{
			Base:          m.base,
			Successes:     m.successes,
			Failures:      m.failures,
			AvgResponseMs: m.avgResponseMs,
			LastSuccess:   m.lastSuccess,
			LastFailure:   m.lastFailure,
		}
	}

	return snap
}
