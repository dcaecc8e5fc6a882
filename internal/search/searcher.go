package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/javi11/bookstream/internal/rangesrc"
)

const (
	DefaultSmallFileThreshold = 50 * 1024
	DefaultMinChunk           = 16 * 1024
	DefaultMaxChunk           = 128 * 1024
	DefaultHeadSkip           = 500
	DefaultTailSkip           = 4 * 1024
	DefaultContextSize        = 100
	DefaultMaxEditDistance    = 2
	DefaultMaxMatches         = 50

	MaxEditDistanceCap = 3
	MaxMatchesCap      = 100

	// minPhraseTokens and minPhraseLen gate the pre-check: shorter phrases
	// would flood a whole book with matches.
	minPhraseTokens = 4
	minPhraseLen    = 10

	// chunkGrowthMisses is how many consecutive empty chunks trigger a
	// chunk-size doubling.
	chunkGrowthMisses = 3

	StrategyFullDownload   = "full-download"
	StrategyRangeStreaming = "range-streaming"
)

// ErrPhraseTooShort rejects phrases below the search pre-check.
var ErrPhraseTooShort = errors.New("search phrase must have at least 4 words and 10 characters")

// Config holds searcher tuning. Zero values fall back to defaults.
type Config struct {
	SmallFileThreshold int64
	MinChunk           int64
	MaxChunk           int64
	HeadSkip           int64
	TailSkip           int64
	ContextSize        int64
	MaxEditDistance    int
	MaxMatches         int
}

func (c *Config) applyDefaults() {
	if c.SmallFileThreshold <= 0 {
		c.SmallFileThreshold = DefaultSmallFileThreshold
	}
	if c.MinChunk <= 0 {
		c.MinChunk = DefaultMinChunk
	}
	if c.MaxChunk <= 0 {
		c.MaxChunk = DefaultMaxChunk
	}
	if c.HeadSkip <= 0 {
		c.HeadSkip = DefaultHeadSkip
	}
	if c.TailSkip <= 0 {
		c.TailSkip = DefaultTailSkip
	}
	if c.ContextSize <= 0 {
		c.ContextSize = DefaultContextSize
	}
	if c.MaxEditDistance <= 0 {
		c.MaxEditDistance = DefaultMaxEditDistance
	}
	if c.MaxEditDistance > MaxEditDistanceCap {
		c.MaxEditDistance = MaxEditDistanceCap
	}
	if c.MaxMatches <= 0 {
		c.MaxMatches = DefaultMaxMatches
	}
	if c.MaxMatches > MaxMatchesCap {
		c.MaxMatches = MaxMatchesCap
	}
}

// Options select per-search behavior.
type Options struct {
	Fuzzy           bool
	MaxMatches      int
	MaxEditDistance int
	ContextSize     int64
}

// Match is one located occurrence of the phrase.
type Match struct {
	Position     int64  `json:"position"`
	MatchedText  string `json:"matched_text"`
	Context      string `json:"context"`
	EditDistance int    `json:"edit_distance"`
}

// Result summarizes a completed search.
type Result struct {
	Found           bool    `json:"found"`
	Matches         []Match `json:"matches"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	ChunksRequested int     `json:"chunks_requested"`
	Strategy        string  `json:"strategy"`
	ElapsedMs       int64   `json:"elapsed_ms"`
}

// Searcher streams exact or fuzzy phrase searches over a range source with
// adaptive chunk sizing. Wiring the sparse block cache as the source makes
// repeated searches of the same book progressively cheaper.
type Searcher struct {
	cfg Config
	log *slog.Logger
}

// NewSearcher creates a searcher.
func NewSearcher(cfg Config) *Searcher {
	cfg.applyDefaults()
	return &Searcher{
		cfg: cfg,
		log: slog.Default().With("component", "search"),
	}
}

// Search runs the phrase over the book. Small files are downloaded whole;
// larger ones are streamed in adaptively sized ranges.
func (s *Searcher) Search(ctx context.Context, src rangesrc.Source, bookID int64, phrase string, opts Options) (Result, error) {
	if bookID <= 0 {
		return Result{}, fmt.Errorf("invalid book id %d", bookID)
	}
	if len(strings.Fields(phrase)) < minPhraseTokens || len(phrase) < minPhraseLen {
		return Result{}, ErrPhraseTooShort
	}

	maxMatches := opts.MaxMatches
	if maxMatches <= 0 {
		maxMatches = s.cfg.MaxMatches
	}
	if maxMatches > MaxMatchesCap {
		maxMatches = MaxMatchesCap
	}

	maxDist := opts.MaxEditDistance
	if maxDist <= 0 {
		maxDist = s.cfg.MaxEditDistance
	}
	if maxDist > MaxEditDistanceCap {
		maxDist = MaxEditDistanceCap
	}

	contextSize := opts.ContextSize
	if contextSize <= 0 {
		contextSize = s.cfg.ContextSize
	}

	fileSize, err := src.FileSize(ctx, bookID)
	if err != nil {
		return Result{}, err
	}

	run := &searchRun{
		searcher:    s,
		src:         src,
		bookID:      bookID,
		phrase:      phrase,
		fileSize:    fileSize,
		fuzzy:       opts.Fuzzy,
		maxDist:     maxDist,
		maxMatches:  maxMatches,
		contextSize: contextSize,
	}

	start := time.Now()
	var result Result
	if fileSize < s.cfg.SmallFileThreshold {
		result, err = run.fullDownload(ctx)
	} else {
		result, err = run.streamRanges(ctx)
	}
	if err != nil {
		return Result{}, err
	}

	result.ElapsedMs = time.Since(start).Milliseconds()
	result.Found = len(result.Matches) > 0

	s.log.Debug("Search finished",
		"book_id", bookID,
		"strategy", result.Strategy,
		"matches", len(result.Matches),
		"bytes_downloaded", result.BytesDownloaded,
		"chunks", result.ChunksRequested,
		"elapsed_ms", result.ElapsedMs)

	return result, nil
}

// searchRun carries the state of one search.
type searchRun struct {
	searcher    *Searcher
	src         rangesrc.Source
	bookID      int64
	phrase      string
	fileSize    int64
	fuzzy       bool
	maxDist     int
	maxMatches  int
	contextSize int64

	bytesDownloaded int64
	chunksRequested int
	matches         []Match
}

func (r *searchRun) fullDownload(ctx context.Context) (Result, error) {
	if r.fileSize == 0 {
		return Result{Strategy: StrategyFullDownload}, nil
	}

	data, err := r.src.ReadRange(ctx, r.bookID, 0, r.fileSize-1)
	if err != nil {
		return Result{}, err
	}
	r.bytesDownloaded = int64(len(data))
	r.chunksRequested = 1

	r.scanChunk(ctx, data, 0)

	return Result{
		Matches:         r.matches,
		BytesDownloaded: r.bytesDownloaded,
		ChunksRequested: r.chunksRequested,
		Strategy:        StrategyFullDownload,
	}, nil
}

func (r *searchRun) streamRanges(ctx context.Context) (Result, error) {
	cfg := r.searcher.cfg

	pos := cfg.HeadSkip
	end := r.fileSize - cfg.TailSkip
	if end <= pos {
		pos, end = 0, r.fileSize
	}

	chunkSize := cfg.MinChunk
	misses := 0
	overlap := int64(0)
	if r.fuzzy && len(r.phrase) > maxBitapPattern {
		// The word-window matcher scans chunks independently; an overlap
		// of |pattern|-1 catches windows straddling a chunk edge. The
		// streaming automata carry state instead and need none.
		overlap = int64(len(r.phrase)) - 1
	}

	exact, bitap, window := r.newMatchers()

	for pos < end && len(r.matches) < r.maxMatches {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		lo := pos - overlap
		if lo < 0 {
			lo = 0
		}
		hi := pos + chunkSize - 1
		if hi > end-1 {
			hi = end - 1
		}

		data, err := r.src.ReadRange(ctx, r.bookID, lo, hi)
		if err != nil {
			return Result{}, err
		}
		r.bytesDownloaded += int64(len(data))
		r.chunksRequested++

		before := len(r.matches)
		r.feedMatchers(ctx, exact, bitap, window, data, lo)

		if len(r.matches) == before {
			misses++
			if misses >= chunkGrowthMisses && chunkSize < cfg.MaxChunk {
				chunkSize *= 2
				if chunkSize > cfg.MaxChunk {
					chunkSize = cfg.MaxChunk
				}
				misses = 0
			}
		} else {
			misses = 0
		}

		pos = hi + 1
	}

	return Result{
		Matches:         r.matches,
		BytesDownloaded: r.bytesDownloaded,
		ChunksRequested: r.chunksRequested,
		Strategy:        StrategyRangeStreaming,
	}, nil
}

func (r *searchRun) newMatchers() (*kmpMatcher, *bitapMatcher, *wordWindowMatcher) {
	if !r.fuzzy {
		return newKMPMatcher(r.phrase), nil, nil
	}
	if len(r.phrase) <= maxBitapPattern {
		return nil, newBitapMatcher(r.phrase, r.maxDist), nil
	}
	return nil, nil, newWordWindowMatcher(r.phrase, r.maxDist)
}

// scanChunk runs the single in-memory pass of the full-download strategy.
func (r *searchRun) scanChunk(ctx context.Context, data []byte, absOffset int64) {
	exact, bitap, window := r.newMatchers()
	r.feedMatchers(ctx, exact, bitap, window, data, absOffset)
}

func (r *searchRun) feedMatchers(ctx context.Context, exact *kmpMatcher, bitap *bitapMatcher, window *wordWindowMatcher, data []byte, absOffset int64) {
	pLen := int64(len(r.phrase))
	record := func(pos int64, dist int) {
		// Approximate matchers fire at several adjacent end positions as a
		// real match comes into view; hits within a pattern length collapse
		// into the lowest-distance one.
		for i, m := range r.matches {
			delta := pos - m.Position
			if delta < 0 {
				delta = -delta
			}
			if delta < pLen {
				if dist < m.EditDistance {
					r.matches[i] = r.buildMatch(ctx, pos, dist, data, absOffset)
				}
				return
			}
		}
		if len(r.matches) >= r.maxMatches {
			return
		}
		r.matches = append(r.matches, r.buildMatch(ctx, pos, dist, data, absOffset))
	}

	switch {
	case exact != nil:
		exact.feed(data, absOffset, func(pos int64) { record(pos, 0) })
	case bitap != nil:
		bitap.feed(data, absOffset, record)
	case window != nil:
		window.feed(data, absOffset, record)
	}
}

// buildMatch extracts the matched text and its surrounding context. When the
// context window pokes past the current chunk a tight range centered on the
// match is fetched to fill it.
func (r *searchRun) buildMatch(ctx context.Context, pos int64, dist int, chunk []byte, chunkOffset int64) Match {
	pLen := int64(len(r.phrase))

	ctxLo := pos - r.contextSize
	if ctxLo < 0 {
		ctxLo = 0
	}
	ctxHi := pos + pLen - 1 + r.contextSize
	if ctxHi > r.fileSize-1 {
		ctxHi = r.fileSize - 1
	}

	chunkLo := chunkOffset
	chunkHi := chunkOffset + int64(len(chunk)) - 1

	var span []byte
	if ctxLo >= chunkLo && ctxHi <= chunkHi {
		span = chunk[ctxLo-chunkOffset : ctxHi-chunkOffset+1]
	} else if data, err := r.src.ReadRange(ctx, r.bookID, ctxLo, ctxHi); err == nil {
		r.bytesDownloaded += int64(len(data))
		r.chunksRequested++
		span = data
	} else {
		// Context is best-effort; fall back to whatever the chunk holds.
		lo := maxI64(ctxLo, chunkLo)
		hi := minI64(ctxHi, chunkHi)
		if lo <= hi {
			span = chunk[lo-chunkOffset : hi-chunkOffset+1]
		}
		ctxLo = lo
	}

	matched := ""
	if off := pos - ctxLo; off >= 0 && off < int64(len(span)) {
		endOff := minI64(off+pLen, int64(len(span)))
		matched = string(span[off:endOff])
	}

	return Match{
		Position:     pos,
		MatchedText:  matched,
		Context:      string(span),
		EditDistance: dist,
	}
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
