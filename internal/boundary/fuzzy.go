package boundary

import "strings"

const (
	// maxFuzzyDist is the edit-distance budget for marker matching.
	maxFuzzyDist = 6

	// prefixWindow bounds how far into a line the sliding window looks.
	prefixWindow = 120

	// maxOffset bounds how many window start positions are tried.
	maxOffset = 40
)

// boundedLevenshtein returns the edit distance between a and b, capped at
// bound+1. The DP runs a diagonal band of width 2*bound+1 and bails out as
// soon as the minimum of a row exceeds the bound, so hopeless comparisons
// stay cheap.
func boundedLevenshtein(a, b string, bound int) int {
	ra := []rune(a)
	rb := []rune(b)
	n, m := len(ra), len(rb)

	if n == 0 {
		return minInt(m, bound+1)
	}
	if m == 0 {
		return minInt(n, bound+1)
	}
	if absInt(n-m) > bound {
		return bound + 1
	}

	prev := make([]int, m+1)
	cur := make([]int, m+1)
	for j := 0; j <= m; j++ {
		prev[j] = j
	}

	for i := 1; i <= n; i++ {
		// Band limits for this row.
		jLo := maxInt(1, i-bound)
		jHi := minInt(m, i+bound)

		cur[0] = i
		if jLo > 1 {
			cur[jLo-1] = bound + 1
		}

		rowMin := cur[0]
		for j := jLo; j <= jHi; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			v := minInt(prev[j]+1, cur[j-1]+1)
			v = minInt(v, prev[j-1]+cost)
			cur[j] = v
			if v < rowMin {
				rowMin = v
			}
		}
		if jHi < m {
			cur[jHi+1] = bound + 1
		}

		if rowMin > bound {
			return bound + 1
		}
		prev, cur = cur, prev
	}

	return minInt(prev[m], bound+1)
}

// matchesMarker reports whether the normalized line matches the marker,
// exactly or within the fuzzy budget. Fuzzy matching slides a marker-sized
// window across the first prefixWindow characters of the line and keeps the
// best bounded distance seen.
func matchesMarker(norm, marker string) bool {
	if marker == "" {
		return false
	}
	if strings.Contains(norm, marker) {
		return true
	}

	runes := []rune(norm)
	if len(runes) > prefixWindow {
		runes = runes[:prefixWindow]
	}

	mLen := len([]rune(marker))

	// Short markers cannot absorb the full budget without matching
	// unrelated prose, so the bound scales with marker length.
	bound := minInt(maxFuzzyDist, mLen/5)

	if len(runes)+bound < mLen {
		return false
	}

	offsets := len(runes) - mLen + 1
	if offsets < 1 {
		offsets = 1
	}
	if offsets > maxOffset {
		offsets = maxOffset
	}

	for off := 0; off < offsets; off++ {
		end := off + mLen
		if end > len(runes) {
			end = len(runes)
		}
		window := string(runes[off:end])
		if boundedLevenshtein(window, marker, bound) <= bound {
			return true
		}
	}

	return false
}

// matchesAny tries each marker in order; first hit wins.
func matchesAny(norm string, markers []string) bool {
	for _, m := range markers {
		if matchesMarker(norm, m) {
			return true
		}
	}
	return false
}

// containsAny is the cheap exact-substring variant for phrase lists that do
// not warrant fuzzy matching.
func containsAny(norm string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
