package boundary

import (
	"context"
	"log/slog"
	"strings"

	"github.com/javi11/bookstream/internal/rangesrc"
)

const (
	// DefaultHeadScan is how many leading bytes are searched for the start
	// marker.
	DefaultHeadScan = 60 * 1024

	// DefaultTailScan is how many trailing bytes are searched for the end
	// marker.
	DefaultTailScan = 60 * 1024

	// dividerFooterWindow is how many lines after a bare *** divider a
	// footer keyword must appear for the divider to count as the footer.
	dividerFooterWindow = 10
)

// Flags records what the detector actually found.
type Flags struct {
	StartFound          bool `json:"start_found"`
	EndFound            bool `json:"end_found"`
	HadDisclaimerBlock  bool `json:"had_disclaimer_block"`
	IsAustralianVariant bool `json:"is_australian_variant"`
}

// Boundaries is the clean content interval [StartByte, EndByte) of a book,
// with the legalese header and footer stripped.
type Boundaries struct {
	StartByte   int64 `json:"start_byte"`
	EndByte     int64 `json:"end_byte"`
	CleanLength int64 `json:"clean_length"`
	Flags       Flags `json:"flags"`
}

// Detector locates the clean content interval of a book by fuzzy marker
// matching over a head scan and a tail scan. It never fails outright: when a
// marker is absent it falls back to heuristics and reports that in Flags.
type Detector struct {
	headScan int64
	tailScan int64
	log      *slog.Logger
}

// NewDetector creates a detector with the given scan windows; zero values
// fall back to defaults.
func NewDetector(headScan, tailScan int64) *Detector {
	if headScan <= 0 {
		headScan = DefaultHeadScan
	}
	if tailScan <= 0 {
		tailScan = DefaultTailScan
	}
	return &Detector{
		headScan: headScan,
		tailScan: tailScan,
		log:      slog.Default().With("component", "boundary"),
	}
}

// Detect computes the clean boundaries for a book via the given range source.
func (d *Detector) Detect(ctx context.Context, src rangesrc.Source, bookID int64) (Boundaries, error) {
	fileSize, err := src.FileSize(ctx, bookID)
	if err != nil {
		return Boundaries{}, err
	}
	if fileSize == 0 {
		return Boundaries{}, nil
	}

	headEnd := minI64(d.headScan, fileSize) - 1
	head, err := src.ReadRange(ctx, bookID, 0, headEnd)
	if err != nil {
		return Boundaries{}, err
	}
	headLines := splitLines(head, 0)

	tailStart := maxI64(0, fileSize-d.tailScan)
	tail, err := src.ReadRange(ctx, bookID, tailStart, fileSize-1)
	if err != nil {
		return Boundaries{}, err
	}
	// Resync to the first full line unless the window covers the whole file.
	tailLines := splitLines(tail, tailStart)
	if tailStart > 0 && len(tailLines) > 0 {
		tailLines = tailLines[1:]
	}

	b := Boundaries{EndByte: fileSize}
	b.Flags.IsAustralianVariant = d.detectAustralian(headLines)

	start, startFound, hadDisclaimer := d.findStart(headLines)
	b.StartByte = start
	b.Flags.StartFound = startFound
	b.Flags.HadDisclaimerBlock = hadDisclaimer

	// An end marker cannot precede the start of the text: when the tail
	// window reaches back into the header, those lines are not candidates.
	endLines := tailLines
	for len(endLines) > 0 && endLines[0].offset < b.StartByte {
		endLines = endLines[1:]
	}
	end, endFound := d.findEnd(endLines, b.Flags.IsAustralianVariant)
	if endFound {
		b.EndByte = end
	}
	b.Flags.EndFound = endFound

	if b.StartByte > b.EndByte {
		// Markers crossed; trust the end and give up on the header trim.
		b.StartByte = 0
	}
	if b.EndByte > fileSize {
		b.EndByte = fileSize
	}
	b.CleanLength = b.EndByte - b.StartByte

	d.log.Debug("Detected boundaries",
		"book_id", bookID,
		"start", b.StartByte,
		"end", b.EndByte,
		"start_found", b.Flags.StartFound,
		"end_found", b.Flags.EndFound)

	return b, nil
}

func (d *Detector) detectAustralian(lines []line) bool {
	for _, l := range lines {
		if containsAny(l.norm, australianHints) {
			return true
		}
	}
	return false
}

// findStart scans head lines for a start or small-print marker, then skips
// the junk lines that follow. Returns the byte offset of the first content
// line, whether a marker was found, and whether a disclaimer block was seen.
func (d *Detector) findStart(lines []line) (int64, bool, bool) {
	afterMarker := -1
	hadDisclaimer := false
	inDisclaimer := false

	for i, l := range lines {
		if l.norm == "" {
			continue
		}

		// A stray END phrase in the header is never a start marker.
		if containsAny(l.norm, endMarkers) {
			continue
		}

		if inDisclaimer {
			if matchesAny(l.norm, disclaimerEndMarkers) || matchesAny(l.norm, startMarkers) {
				afterMarker = i + 1
				inDisclaimer = false
			}
			continue
		}

		if matchesAny(l.norm, disclaimerEndMarkers) {
			// Disclaimer end without a seen opener still ends the header.
			afterMarker = i + 1
			hadDisclaimer = true
			continue
		}

		if matchesAny(l.norm, startMarkers) {
			afterMarker = i + 1
			continue
		}

		if matchesAny(l.norm, disclaimerMarkers) {
			hadDisclaimer = true
			inDisclaimer = true
			afterMarker = i + 1
			continue
		}
	}

	if afterMarker < 0 {
		return d.fallbackStart(lines), false, hadDisclaimer
	}

	idx := d.skipJunk(lines, afterMarker)
	if idx >= len(lines) {
		idx = afterMarker
		if idx >= len(lines) {
			idx = len(lines) - 1
		}
	}

	return lines[idx].offset, true, hadDisclaimer
}

// skipJunk advances past producer/credit lines and their continuations,
// stopping at the first content-bearing line.
func (d *Detector) skipJunk(lines []line, from int) int {
	i := from
	junkRun := false

	for ; i < len(lines); i++ {
		norm := lines[i].norm
		if contentLen(lines[i].raw) == 0 || norm == "" {
			continue
		}

		if hasJunkPrefix(norm) {
			junkRun = true
			continue
		}

		if junkRun && isJunkContinuation(norm) {
			continue
		}

		return i
	}

	return i
}

func hasJunkPrefix(norm string) bool {
	for _, j := range postStartJunk {
		if strings.HasPrefix(norm, j) {
			return true
		}
	}
	return false
}

// isJunkContinuation catches wrapped credit lines: "AND the Online ...",
// proofreader URLs and contact addresses.
func isJunkContinuation(norm string) bool {
	if strings.HasPrefix(norm, "AND ") || norm == "AND" {
		return true
	}
	return strings.Contains(norm, "HTTP") ||
		strings.Contains(norm, "WWW ") ||
		strings.Contains(norm, " COM") ||
		strings.Contains(norm, " ORG") ||
		strings.Contains(norm, " NET")
}

// fallbackStart advances past leading boilerplate when no marker matched.
func (d *Detector) fallbackStart(lines []line) int64 {
	lastHeader := -1
	for i, l := range lines {
		if l.norm == "" {
			continue
		}
		if containsAny(l.norm, headerFallbackPhrases) {
			lastHeader = i
		}
	}
	if lastHeader < 0 {
		return 0
	}

	for i := lastHeader + 1; i < len(lines); i++ {
		if contentLen(lines[i].raw) > 0 {
			return lines[i].offset
		}
	}
	return 0
}

// findEnd runs three passes over the tail window: explicit end markers,
// footer section starts, then fuzzy matching against the full end set.
// The earliest hit of the first successful pass wins.
func (d *Detector) findEnd(lines []line, australian bool) (int64, bool) {
	// Pass 1: explicit end markers.
	for _, l := range lines {
		if containsAny(l.norm, endMarkers) {
			return l.offset, true
		}
		if australian && containsAny(l.norm, australianCutoffs) {
			return l.offset, true
		}
	}

	// Pass 2: footer section starts.
	for i, l := range lines {
		if containsAny(l.norm, legaleseStartMarkers) || containsAny(l.norm, updateNoticeMarkers) {
			return l.offset, true
		}
		if isBareDivider(l.norm) && d.dividerOpensFooter(lines, i) {
			return l.offset, true
		}
	}

	// Pass 3: fuzzy.
	for _, l := range lines {
		if l.norm == "" {
			continue
		}
		if matchesAny(l.norm, endMarkers) {
			return l.offset, true
		}
	}

	return 0, false
}

// isBareDivider reports whether a normalized line is nothing but asterisks,
// the shape of the dividers that separate text from footer in older files.
// Marker lines with words on them are handled by the other passes.
func isBareDivider(norm string) bool {
	if !strings.HasPrefix(norm, "***") {
		return false
	}
	for _, r := range norm {
		if r != '*' && r != ' ' {
			return false
		}
	}
	return true
}

func (d *Detector) dividerOpensFooter(lines []line, i int) bool {
	for j := i + 1; j <= i+dividerFooterWindow && j < len(lines); j++ {
		if containsAny(lines[j].norm, footerKeywords) {
			return true
		}
	}
	return false
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
