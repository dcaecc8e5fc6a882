package mirror

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/bookstream/internal/origin"
)

// testMirror is one fake origin that can be flipped to failing.
type testMirror struct {
	srv      *httptest.Server
	hits     atomic.Int64
	failing  atomic.Bool
	body     []byte
}

func newTestMirror(body []byte) *testMirror {
	m := &testMirror{body: body}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.hits.Add(1)
		if m.failing.Load() {
			// 404 keeps the origin client from retrying, so fallback is fast.
			w.WriteHeader(http.StatusNotFound)
			return
		}

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(m.body)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(m.body)
			return
		}
		var lo, hi int
		fmt.Sscanf(rng, "bytes=%d-%d", &lo, &hi)
		if hi > len(m.body)-1 {
			hi = len(m.body) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(m.body[lo : hi+1])
	}))
	return m
}

func identityURL(base string, bookID int64) string {
	return base
}

func newTestPool(t *testing.T, mirrors ...*testMirror) *Pool {
	t.Helper()
	bases := make([]string, len(mirrors))
	for i, m := range mirrors {
		bases[i] = m.srv.URL
	}
	p, err := NewPool(origin.NewClient(origin.Options{}), bases, identityURL)
	require.NoError(t, err)
	return p
}

func TestPool_RequiresMirrors(t *testing.T) {
	_, err := NewPool(origin.NewClient(origin.Options{}), nil, nil)
	assert.Error(t, err)
}

func TestPool_StickyAffinity(t *testing.T) {
	body := []byte("sticky mirror body")
	a := newTestMirror(body)
	defer a.srv.Close()
	b := newTestMirror(body)
	defer b.srv.Close()

	p := newTestPool(t, a, b)
	ctx := context.Background()

	info, err := p.Head(ctx, 1342)
	require.NoError(t, err)
	assert.EqualValues(t, len(body), info.Size)

	// The mirror that answered first keeps serving this book.
	first := a.hits.Load()
	for i := 0; i < 5; i++ {
		_, err := p.GetRange(ctx, 1342, 0, 5)
		require.NoError(t, err)
	}
	assert.EqualValues(t, first+5, a.hits.Load())
	assert.EqualValues(t, 0, b.hits.Load())
}

func TestPool_FallsBackOnFailure(t *testing.T) {
	body := []byte("fallback body")
	a := newTestMirror(body)
	defer a.srv.Close()
	b := newTestMirror(body)
	defer b.srv.Close()

	p := newTestPool(t, a, b)
	ctx := context.Background()

	_, err := p.Head(ctx, 84)
	require.NoError(t, err)

	a.failing.Store(true)

	got, err := p.GetRange(ctx, 84, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, body[:8], got)
	assert.Greater(t, b.hits.Load(), int64(0))
}

func TestPool_MovesStickinessOffFailingMirror(t *testing.T) {
	body := []byte("restick body")
	a := newTestMirror(body)
	defer a.srv.Close()
	b := newTestMirror(body)
	defer b.srv.Close()

	p := newTestPool(t, a, b)
	ctx := context.Background()

	_, err := p.Head(ctx, 7)
	require.NoError(t, err)

	a.failing.Store(true)
	for i := 0; i < maxStickyFailures; i++ {
		_, err := p.GetRange(ctx, 7, 0, 3)
		require.NoError(t, err) // b answers
	}

	p.mu.Lock()
	_, stillSticky := p.sticky[7]
	idx := -1
	if stillSticky {
		idx = p.sticky[7]
	}
	p.mu.Unlock()

	// Affinity moved off the failing mirror.
	if stillSticky {
		assert.NotEqual(t, 0, idx)
	}

	// The failing mirror is no longer tried first.
	hitsBefore := a.hits.Load()
	_, err = p.GetRange(ctx, 7, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, hitsBefore, a.hits.Load())
}

func TestPool_AllMirrorsFailed(t *testing.T) {
	a := newTestMirror([]byte("x"))
	defer a.srv.Close()
	a.failing.Store(true)

	p := newTestPool(t, a)
	_, err := p.Head(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAllMirrorsFailed)
}

func TestPool_Metrics(t *testing.T) {
	body := []byte("metrics body")
	a := newTestMirror(body)
	defer a.srv.Close()

	p := newTestPool(t, a)
	ctx := context.Background()

	_, err := p.Head(ctx, 5)
	require.NoError(t, err)
	_, err = p.GetRange(ctx, 5, 0, 3)
	require.NoError(t, err)

	snap := p.Metrics()
	require.Len(t, snap.Mirrors, 1)
	assert.EqualValues(t, 2, snap.Mirrors[0].Successes)
	assert.EqualValues(t, 0, snap.Mirrors[0].Failures)
	assert.Equal(t, 1, snap.StickyBooks)
	assert.False(t, snap.Mirrors[0].LastSuccess.IsZero())
}

func TestDefaultURLBuilder(t *testing.T) {
	assert.Equal(t,
		"https://www.gutenberg.org/files/1342/1342-0.txt",
		DefaultURLBuilder("https://www.gutenberg.org", 1342))
}
