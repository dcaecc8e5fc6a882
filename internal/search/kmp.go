package search

// kmpMatcher is a streaming Knuth-Morris-Pratt matcher. The automaton state
// survives across chunks, so a phrase straddling a chunk boundary is still
// reported at its correct absolute offset. Matching is case-insensitive over
// ASCII.
type kmpMatcher struct {
	pattern []byte
	failure []int
	state   int
}

func newKMPMatcher(phrase string) *kmpMatcher {
	pattern := foldBytes([]byte(phrase))

	failure := make([]int, len(pattern))
	k := 0
	for i := 1; i < len(pattern); i++ {
		for k > 0 && pattern[i] != pattern[k] {
			k = failure[k-1]
		}
		if pattern[i] == pattern[k] {
			k++
		}
		failure[i] = k
	}

	return &kmpMatcher{pattern: pattern, failure: failure}
}

// feed steps the automaton over one chunk. absOffset is the chunk's absolute
// position in the file; emit receives the absolute offset of each match.
func (m *kmpMatcher) feed(chunk []byte, absOffset int64, emit func(pos int64)) {
	for i := 0; i < len(chunk); i++ {
		c := foldByte(chunk[i])
		for m.state > 0 && c != m.pattern[m.state] {
			m.state = m.failure[m.state-1]
		}
		if c == m.pattern[m.state] {
			m.state++
		}
		if m.state == len(m.pattern) {
			emit(absOffset + int64(i) - int64(len(m.pattern)) + 1)
			m.state = m.failure[m.state-1]
		}
	}
}

func foldByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}

func foldBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = foldByte(c)
	}
	return out
}
