package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	defaultHeadTimeout  = 10 * time.Second
	defaultGetTimeout   = 15 * time.Second
	defaultMaxRedirects = 5
	defaultUserAgent    = "bookstream/1.0 (+https://github.com/javi11/bookstream)"

	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// Info is the origin's view of a remote file, learned from a HEAD request.
type Info struct {
	Size         int64
	ETag         string
	LastModified string
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	HeadTimeout  time.Duration
	GetTimeout   time.Duration
	MaxRedirects int
	UserAgent    string
}

// Client issues HEAD and ranged GET requests against a text origin.
// Redirects are followed manually up to a bounded count so that loops are
// detected instead of silently truncated.
type Client struct {
	httpClient   *http.Client
	headTimeout  time.Duration
	getTimeout   time.Duration
	maxRedirects int
	userAgent    string
	log          *slog.Logger
}

// NewClient creates an origin client.
func NewClient(opts Options) *Client {
	if opts.HeadTimeout <= 0 {
		opts.HeadTimeout = defaultHeadTimeout
	}
	if opts.GetTimeout <= 0 {
		opts.GetTimeout = defaultGetTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	return &Client{
		httpClient: &http.Client{
			// Redirects are handled in doFollow so the bound is ours.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		headTimeout:  opts.HeadTimeout,
		getTimeout:   opts.GetTimeout,
		maxRedirects: opts.MaxRedirects,
		userAgent:    opts.UserAgent,
		log:          slog.Default().With("component", "origin"),
	}
}

// Head fetches size and freshness metadata for the given URL.
func (c *Client) Head(ctx context.Context, url string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.headTimeout)
	defer cancel()

	var info Info
	err := c.withRetry(ctx, func() error {
		resp, err := c.doFollow(ctx, http.MethodHead, url, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &StatusError{URL: url, StatusCode: resp.StatusCode}
		}

		size := resp.ContentLength
		if size < 0 {
			if cl := resp.Header.Get("Content-Length"); cl != "" {
				size, _ = strconv.ParseInt(cl, 10, 64)
			}
		}
		if size < 0 {
			return fmt.Errorf("origin did not report a content length for %s", url)
		}

		info = Info{
			Size:         size,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		return nil
	})

	return info, err
}

// GetRange fetches bytes [start, end] inclusive. A 206 is the expected
// response; a 200 is accepted only when the whole file fits the requested
// span, otherwise the origin is treated as range-incapable.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64) ([]byte, error) {
	if start > end {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}

	ctx, cancel := context.WithTimeout(ctx, c.getTimeout)
	defer cancel()

	want := end - start + 1

	var body []byte
	err := c.withRetry(ctx, func() error {
		resp, err := c.doFollow(ctx, http.MethodGet, url, fmt.Sprintf("bytes=%d-%d", start, end))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusPartialContent:
			// Expected.
		case http.StatusOK:
			// Whole-file response is tolerable only when it is no larger
			// than what was asked for (tiny files, start == 0).
			if start > 0 || resp.ContentLength > want {
				return ErrRangeUnsupported
			}
		default:
			return &StatusError{URL: url, StatusCode: resp.StatusCode}
		}

		// One byte past the span shows whether a 200 without a declared
		// length carried more than was asked for.
		data, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
		if err != nil {
			return fmt.Errorf("read origin body: %w", err)
		}
		if int64(len(data)) > want {
			if resp.StatusCode == http.StatusOK {
				return ErrRangeUnsupported
			}
			data = data[:want]
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// Get downloads the whole file. Reached through mirror.Pool.Get.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.getTimeout)
	defer cancel()

	var body []byte
	err := c.withRetry(ctx, func() error {
		resp, err := c.doFollow(ctx, http.MethodGet, url, "")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &StatusError{URL: url, StatusCode: resp.StatusCode}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read origin body: %w", err)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// doFollow performs one request, chasing 3xx Location headers up to the bound.
func (c *Client) doFollow(ctx context.Context, method, url, rangeHeader string) (*http.Response, error) {
	for hop := 0; hop <= c.maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, url)
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
			}
			next, err := resp.Request.URL.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("bad redirect location %q: %w", loc, err)
			}
			url = next.String()
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrRedirectLoop, url)
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !IsNotRetryable(err) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("Retrying origin request", "attempt", n+1, "error", err)
		}),
	)
}
