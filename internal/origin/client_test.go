package origin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeHandler implements just enough of a ranged text origin for tests.
func rangeHandler(body []byte, etag string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			return
		}

		rng := r.Header.Get("Range")
		if rng == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}

		var lo, hi int
		fmt.Sscanf(rng, "bytes=%d-%d", &lo, &hi)
		if hi > len(body)-1 {
			hi = len(body) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", lo, hi, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[lo : hi+1])
	}
}

func TestClient_Head(t *testing.T) {
	body := []byte(strings.Repeat("x", 5000))
	srv := httptest.NewServer(rangeHandler(body, `"abc"`))
	defer srv.Close()

	c := NewClient(Options{})
	info, err := c.Head(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, info.Size)
	assert.Equal(t, `"abc"`, info.ETag)
	assert.NotEmpty(t, info.LastModified)
}

func TestClient_GetRange(t *testing.T) {
	body := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(rangeHandler(body, ""))
	defer srv.Close()

	c := NewClient(Options{})
	got, err := c.GetRange(context.Background(), srv.URL, 5, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("56789"), got)
}

func TestClient_GetRange_InvalidRange(t *testing.T) {
	c := NewClient(Options{})
	_, err := c.GetRange(context.Background(), "http://unused", 10, 5)
	assert.Error(t, err)
}

func TestClient_Get(t *testing.T) {
	body := []byte("whole file body")
	srv := httptest.NewServer(rangeHandler(body, ""))
	defer srv.Close()

	c := NewClient(Options{})
	got, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestClient_FollowsRedirects(t *testing.T) {
	body := []byte("redirected body bytes")
	final := httptest.NewServer(rangeHandler(body, ""))
	defer final.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer hop.Close()

	c := NewClient(Options{})
	got, err := c.GetRange(context.Background(), hop.URL, 0, 9)
	require.NoError(t, err)
	assert.Equal(t, body[:10], got)
}

func TestClient_RedirectLoop(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL, http.StatusMovedPermanently)
	}))
	defer srv.Close()

	c := NewClient(Options{MaxRedirects: 3})
	_, err := c.Head(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrRedirectLoop)
}

func TestClient_RangeUnsupported(t *testing.T) {
	body := []byte(strings.Repeat("y", 4096))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the Range header entirely.
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(Options{})
	_, err := c.GetRange(context.Background(), srv.URL, 0, 99)
	assert.ErrorIs(t, err, ErrRangeUnsupported)
}

func TestClient_InvalidStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Options{})
	_, err := c.Head(context.Background(), srv.URL)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestClient_PoliteUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Options{UserAgent: "bookstream-test/1.0"})
	_, err := c.Head(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "bookstream-test/1.0", gotUA)
}

func TestIsNotRetryable(t *testing.T) {
	assert.True(t, IsNotRetryable(&StatusError{StatusCode: 404}))
	assert.True(t, IsNotRetryable(ErrRangeUnsupported))
	assert.True(t, IsNotRetryable(ErrRedirectLoop))
	assert.False(t, IsNotRetryable(&StatusError{StatusCode: 503}))
	assert.False(t, IsNotRetryable(ErrUnavailable))
}
