package navigator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/javi11/bookstream/internal/boundary"
	"github.com/javi11/bookstream/internal/rangesrc"
)

const (
	DefaultMaxHistory         = 50
	DefaultMaxLRUChunks       = 10
	DefaultSafetyMargin       = 4
	DefaultCalibrationSamples = 10

	// forwardSpanFactor oversizes the fetch window so the target word count
	// fits even in unusually dense text.
	forwardSpanFactor = 2.5

	// nearEndSlack is how close to the clean end a chunk may reach before
	// the position reports IsNearEnd.
	nearEndSlack = 100

	// calibration sample positions within the clean interval.
	calibrationPosA = 0.1
	calibrationPosB = 0.6
)

var (
	// ErrInvalidChunkWords rejects a chunk size below one word.
	ErrInvalidChunkWords = errors.New("chunk size must be at least one word")

	// ErrInvalidPercent rejects seek targets outside [0, 100].
	ErrInvalidPercent = errors.New("percent must be within [0, 100]")
)

// Config holds navigator tuning. Zero values fall back to defaults.
type Config struct {
	ChunkWords         int
	MaxHistory         int
	MaxLRUChunks       int
	SafetyMargin       int64
	CalibrationSamples int
}

type chunkKey struct {
	lo int64
	hi int64
}

// Navigator owns a reading session over one book: a cursor over the clean
// interval with percent seek, word-granular forward and backward movement,
// density calibration, a chunk LRU and predictive prefetch. Cursor operations
// are serialized by the caller; prefetch runs in the background and its
// failures never surface.
type Navigator struct {
	src    rangesrc.Source
	bookID int64
	bounds boundary.Boundaries
	cfg    Config

	chunkWords int
	cal        *calibration
	history    *historyStack
	future     *historyStack
	chunks     *lru.Cache[chunkKey, []byte]

	prefetchPool   *pool.Pool
	prefetchCtx    context.Context
	prefetchCancel context.CancelFunc

	log *slog.Logger
}

// Open starts a session: boundary detection runs over the range source, then
// density calibration samples two spots inside the clean interval.
func Open(ctx context.Context, src rangesrc.Source, bookID int64, cfg Config) (*Navigator, error) {
	if bookID <= 0 {
		return nil, fmt.Errorf("invalid book id %d", bookID)
	}
	if cfg.ChunkWords < 1 {
		return nil, ErrInvalidChunkWords
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.MaxLRUChunks <= 0 {
		cfg.MaxLRUChunks = DefaultMaxLRUChunks
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.CalibrationSamples <= 0 {
		cfg.CalibrationSamples = DefaultCalibrationSamples
	}

	bounds, err := boundary.NewDetector(0, 0).Detect(ctx, src, bookID)
	if err != nil {
		return nil, fmt.Errorf("detect boundaries: %w", err)
	}

	chunks, err := lru.New[chunkKey, []byte](cfg.MaxLRUChunks)
	if err != nil {
		return nil, err
	}

	pctx, pcancel := context.WithCancel(context.Background())

	n := &Navigator{
		src:            src,
		bookID:         bookID,
		bounds:         bounds,
		cfg:            cfg,
		chunkWords:     cfg.ChunkWords,
		cal:            newCalibration(cfg.CalibrationSamples),
		history:        newHistoryStack(cfg.MaxHistory),
		future:         newHistoryStack(cfg.MaxHistory),
		chunks:         chunks,
		prefetchPool:   pool.New().WithMaxGoroutines(2),
		prefetchCtx:    pctx,
		prefetchCancel: pcancel,
		log:            slog.Default().With("component", "navigator", "book_id", bookID),
	}

	if err := n.calibrate(ctx); err != nil {
		n.log.Warn("Calibration failed, using fallback density", "error", err)
	}

	return n, nil
}

// Close tears the session down, cancelling outstanding prefetches.
func (n *Navigator) Close() {
	n.prefetchCancel()
	n.prefetchPool.Wait()
}

// Boundaries returns the detected clean interval.
func (n *Navigator) Boundaries() boundary.Boundaries {
	return n.bounds
}

// TotalWords returns the current whole-book word estimate.
func (n *Navigator) TotalWords() int64 {
	return n.cal.totalWords(n.bounds.CleanLength)
}

// ChunkWords returns the configured words-per-chunk.
func (n *Navigator) ChunkWords() int {
	return n.chunkWords
}

// SetChunkWords changes the chunk size. Old byte boundaries are no longer
// valid at a different size, so position history is cleared.
func (n *Navigator) SetChunkWords(words int) error {
	if words < 1 {
		return ErrInvalidChunkWords
	}
	n.chunkWords = words
	n.history.clear()
	n.future.clear()
	return nil
}

// GoToPercent seeks to the word nearest the given percent of the book and
// returns the chunk starting there. History and future are cleared.
func (n *Navigator) GoToPercent(ctx context.Context, percent float64) (Position, error) {
	if percent < 0 || percent > 100 || math.IsNaN(percent) {
		return Position{}, ErrInvalidPercent
	}

	n.history.clear()
	n.future.clear()

	totalWords := n.cal.totalWords(n.bounds.CleanLength)
	targetWord := int64(float64(totalWords) * percent / 100)
	target := n.bounds.StartByte + int64(float64(targetWord)*n.cal.avgBytesPerWord())
	target = n.clampToClean(target)

	pos, ok, err := n.extractForward(ctx, target, targetWord)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		// Seek landed in the tail whitespace; take the chunk that ends at
		// the target so the caller still gets the final words.
		pos, ok, err = n.extractBackward(ctx, target, Position{WordIndex: targetWord, ByteStart: -1})
		if err != nil {
			return Position{}, err
		}
		if !ok {
			return Position{
				ByteStart:       target,
				ByteEnd:         target,
				Percent:         percent,
				NextByteStart:   -1,
				PreviousByteEnd: -1,
				IsNearEnd:       true,
			}, nil
		}
	}

	n.prefetchForward(pos)
	return pos, nil
}

// MoveForward returns the chunk after cur, pushing cur onto history.
func (n *Navigator) MoveForward(ctx context.Context, cur Position) (Position, error) {
	target := cur.NextByteStart
	if target < 0 {
		target = cur.ByteStart + int64(float64(n.chunkWords)*n.cal.avgBytesPerWord())
	}
	if target > n.bounds.EndByte-1 {
		return cur, nil
	}

	pos, ok, err := n.extractForward(ctx, target, cur.WordIndex+int64(cur.WordsActual))
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return cur, nil
	}

	n.history.push(cur)
	n.future.clear()
	n.prefetchForward(pos)

	return pos, nil
}

// MoveBackward returns the chunk before cur. When history holds the prior
// position it is returned exactly as forward produced it; otherwise the
// previous chunk is reconstructed from the byte estimate. The cursor never
// lands before the clean start: backing up at the start returns cur itself.
func (n *Navigator) MoveBackward(ctx context.Context, cur Position) (Position, error) {
	if prev, ok := n.history.pop(); ok {
		n.future.push(cur)
		n.prefetchBackward(prev)
		return prev, nil
	}

	if cur.ByteStart <= n.bounds.StartByte {
		return cur, nil
	}

	endTarget := cur.PreviousByteEnd
	if endTarget < 0 {
		endTarget = cur.ByteStart
	}
	endTarget--
	if endTarget < n.bounds.StartByte {
		endTarget = n.bounds.StartByte
	}

	pos, ok, err := n.extractBackward(ctx, endTarget, cur)
	if err != nil {
		return Position{}, err
	}
	if !ok || pos.ByteStart >= cur.ByteStart {
		// Keep tiny chunk sizes moving: force at least half a chunk of
		// progress and try once more.
		minStep := int64(math.Max(1, float64(n.chunkWords)*n.cal.avgBytesPerWord()*0.5))
		endTarget = cur.ByteStart - minStep
		if endTarget < n.bounds.StartByte {
			endTarget = n.bounds.StartByte
		}
		pos, ok, err = n.extractBackward(ctx, endTarget, cur)
		if err != nil {
			return Position{}, err
		}
		if !ok || pos.ByteStart >= cur.ByteStart {
			return cur, nil
		}
	}

	n.future.push(cur)
	n.prefetchBackward(pos)

	return pos, nil
}

// calibrate samples density at two fractional positions in the clean
// interval before the first word-indexed navigation.
func (n *Navigator) calibrate(ctx context.Context) error {
	if n.bounds.CleanLength <= 0 {
		return nil
	}

	sampleLen := minI64(2000, n.bounds.CleanLength*2/100)
	if sampleLen < 64 {
		sampleLen = minI64(64, n.bounds.CleanLength)
	}

	for _, frac := range []float64{calibrationPosA, calibrationPosB} {
		lo := n.bounds.StartByte + int64(frac*float64(n.bounds.CleanLength))
		hi := minI64(lo+sampleLen-1, n.bounds.EndByte-1)
		if lo > hi {
			continue
		}

		data, err := n.fetchSpan(ctx, lo, hi)
		if err != nil {
			return err
		}

		front := utf8TrimFront(data)
		data = data[front:]
		back := utf8TrimBack(data)
		data = data[:len(data)-back]

		words := countWords(tokenize(data, lo > n.bounds.StartByte))
		n.cal.add(words, int64(len(data)))
	}

	return nil
}

// fetchSpan reads an inclusive span through the chunk LRU.
func (n *Navigator) fetchSpan(ctx context.Context, lo, hi int64) ([]byte, error) {
	key := chunkKey{lo: lo, hi: hi}
	if data, ok := n.chunks.Get(key); ok {
		return data, nil
	}

	data, err := n.src.ReadRange(ctx, n.bookID, lo, hi)
	if err != nil {
		return nil, err
	}
	n.chunks.Add(key, data)

	return data, nil
}

func (n *Navigator) forwardSpan() int64 {
	span := int64(float64(n.chunkWords) * n.cal.avgBytesPerWord() * forwardSpanFactor)
	if span < 64 {
		span = 64
	}
	return span
}

func (n *Navigator) clampToClean(b int64) int64 {
	if b < n.bounds.StartByte {
		return n.bounds.StartByte
	}
	if b > n.bounds.EndByte-1 {
		return n.bounds.EndByte - 1
	}
	return b
}

// extractForward fetches a UTF-8-safe window around target and selects the
// next chunkWords words. ok is false when the window held no words.
func (n *Navigator) extractForward(ctx context.Context, target, wordIndex int64) (Position, bool, error) {
	lo := maxI64(n.bounds.StartByte, target-n.cfg.SafetyMargin)
	hi := minI64(n.bounds.EndByte-1, target+n.forwardSpan())
	if lo > hi {
		return Position{}, false, nil
	}

	raw, err := n.fetchSpan(ctx, lo, hi)
	if err != nil {
		return Position{}, false, err
	}

	data, effStart, midWord := n.trimWindow(raw, lo)
	tokens := tokenize(data, midWord)
	sel, nextIdx := selectForward(tokens, n.chunkWords)

	pos, ok := n.buildPosition(sel, tokens, nextIdx, effStart, wordIndex)
	if !ok {
		return Position{}, false, nil
	}
	return pos, true, nil
}

// extractBackward fetches the window ending at endTarget and selects the last
// chunkWords words.
func (n *Navigator) extractBackward(ctx context.Context, endTarget int64, cur Position) (Position, bool, error) {
	lo := maxI64(n.bounds.StartByte, endTarget-n.forwardSpan())
	hi := minI64(n.bounds.EndByte-1, endTarget)
	if lo > hi {
		return Position{}, false, nil
	}

	raw, err := n.fetchSpan(ctx, lo, hi)
	if err != nil {
		return Position{}, false, err
	}

	data, effStart, midWord := n.trimWindow(raw, lo)
	tokens := tokenize(data, midWord)
	sel, firstIdx := selectBackward(tokens, n.chunkWords)

	words := countWords(sel)
	if words == 0 {
		return Position{}, false, nil
	}

	wordIndex := cur.WordIndex - int64(words)
	if wordIndex < 0 {
		wordIndex = 0
	}

	pos, ok := n.buildPosition(sel, tokens, firstIdx+len(sel), effStart, wordIndex)
	if !ok {
		return Position{}, false, nil
	}

	// The word right after this chunk is where cur begins.
	if cur.ByteStart >= 0 {
		pos.NextByteStart = cur.ByteStart
	}

	return pos, true, nil
}

// trimWindow applies the UTF-8 boundary rules to a fetched window and decides
// whether its effective start sits mid-word by inspecting the straddling
// bytes.
func (n *Navigator) trimWindow(raw []byte, lo int64) (data []byte, effStart int64, midWord bool) {
	front := utf8TrimFront(raw)
	data = raw[front:]
	back := utf8TrimBack(data)
	data = data[:len(data)-back]
	effStart = lo + int64(front)

	// The safety margin puts the bytes just before the target inside the
	// window, so a non-space first byte means the window opened inside a
	// word (or inside a multi-byte rune whose continuation bytes were just
	// skipped). At the clean start there is nothing to straddle.
	if effStart > n.bounds.StartByte && len(data) > 0 {
		midWord = !isSpaceByte(data[0])
	}

	return data, effStart, midWord
}

// buildPosition assembles a Position from selected tokens. tokens and
// nextIdx locate the first unselected token for NextByteStart.
func (n *Navigator) buildPosition(sel, tokens []token, nextIdx int, effStart, wordIndex int64) (Position, bool) {
	var words []string
	var first, last *token
	for i := range sel {
		if sel[i].paraBreak {
			continue
		}
		if first == nil {
			first = &sel[i]
		}
		last = &sel[i]
		words = append(words, sel[i].text)
	}
	if first == nil {
		return Position{}, false
	}

	byteStart := effStart + first.off
	byteEnd := effStart + last.end()

	nextByteStart := int64(-1)
	for i := nextIdx; i < len(tokens); i++ {
		if !tokens[i].paraBreak {
			nextByteStart = effStart + tokens[i].off
			break
		}
	}

	percent := float64(0)
	if n.bounds.CleanLength > 0 {
		percent = 100 * float64(byteStart-n.bounds.StartByte) / float64(n.bounds.CleanLength)
	}

	pos := Position{
		WordIndex:       wordIndex,
		WordsActual:     len(words),
		Percent:         percent,
		ByteStart:       byteStart,
		ByteEnd:         byteEnd,
		NextByteStart:   nextByteStart,
		PreviousByteEnd: byteStart,
		IsNearEnd:       byteEnd >= n.bounds.EndByte-nearEndSlack || len(words) < n.chunkWords,
		Words:           words,
	}

	n.cal.add(len(words), byteEnd-byteStart+1)

	return pos, true
}

// prefetchForward schedules the next forward span plus a small lookback.
// Best-effort: failures are dropped and a closed session fetches nothing.
func (n *Navigator) prefetchForward(pos Position) {
	span := n.forwardSpan()
	if pos.NextByteStart >= 0 {
		n.schedulePrefetch(pos.NextByteStart, pos.NextByteStart+span)
	}
	n.schedulePrefetch(pos.ByteStart-span/4, pos.ByteStart-1)
}

// prefetchBackward schedules the previous span first, then a short forward
// span.
func (n *Navigator) prefetchBackward(pos Position) {
	span := n.forwardSpan()
	n.schedulePrefetch(pos.ByteStart-span, pos.ByteStart-1)
	if pos.NextByteStart >= 0 {
		n.schedulePrefetch(pos.NextByteStart, pos.NextByteStart+span/4)
	}
}

func (n *Navigator) schedulePrefetch(lo, hi int64) {
	lo = maxI64(lo, n.bounds.StartByte)
	hi = minI64(hi, n.bounds.EndByte-1)
	if lo > hi {
		return
	}

	n.prefetchPool.Go(func() {
		if n.prefetchCtx.Err() != nil {
			return
		}
		if _, err := n.fetchSpan(n.prefetchCtx, lo, hi); err != nil {
			n.log.Debug("Prefetch dropped", "lo", lo, "hi", hi, "error", err)
		}
	})
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
