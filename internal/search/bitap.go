package search

// bitapMatcher is a streaming bit-parallel approximate matcher (Wu-Manber
// style) for patterns up to 31 characters. A zero bit means "this prefix is
// still alive"; vector R[d] tracks matches with at most d errors. The vectors
// survive across chunks so boundary-straddling fuzzy matches are found.
type bitapMatcher struct {
	pattern  []byte
	masks    [256]uint64
	r        []uint64
	maxDist  int
	matchBit uint64
	lastPos  int64 // last reported end position, for duplicate suppression
}

// maxBitapPattern is the longest pattern the bit-parallel path handles.
const maxBitapPattern = 31

func newBitapMatcher(phrase string, maxDist int) *bitapMatcher {
	pattern := foldBytes([]byte(phrase))

	m := &bitapMatcher{
		pattern:  pattern,
		maxDist:  maxDist,
		matchBit: 1 << uint(len(pattern)-1),
		lastPos:  -1,
	}

	for i := range m.masks {
		m.masks[i] = ^uint64(0)
	}
	for i, c := range pattern {
		m.masks[c] &^= 1 << uint(i)
	}

	m.r = make([]uint64, maxDist+1)
	m.resetVectors()

	return m
}

func (m *bitapMatcher) resetVectors() {
	for d := range m.r {
		// d leading zero bits: up to d pattern characters may be skipped.
		m.r[d] = ^uint64(0) << uint(d)
	}
	m.lastPos = -1
}

// feed steps the matcher over one chunk. emit receives the estimated start
// offset of the match (absolute end offset minus pattern length plus one,
// floored at zero) and the distance. Only the lowest distance is reported per
// end position, and an end position is reported once.
func (m *bitapMatcher) feed(chunk []byte, absOffset int64, emit func(start int64, dist int)) {
	pLen := int64(len(m.pattern))

	for i := 0; i < len(chunk); i++ {
		c := foldByte(chunk[i])
		mask := m.masks[c]

		oldPrev := m.r[0]
		m.r[0] = (m.r[0] << 1) | mask

		for d := 1; d <= m.maxDist; d++ {
			old := m.r[d]
			m.r[d] = ((m.r[d] << 1) | mask) &
				(oldPrev << 1) &
				(m.r[d-1] << 1) &
				oldPrev
			oldPrev = old
		}

		for d := 0; d <= m.maxDist; d++ {
			if m.r[d]&m.matchBit != 0 {
				continue
			}
			end := absOffset + int64(i)
			if end == m.lastPos {
				break // already reported at a lower distance
			}
			m.lastPos = end
			start := end - pLen + 1
			if start < 0 {
				start = 0
			}
			emit(start, d)
			break
		}
	}
}
