package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultURL     = "https://paceman.gg/api/ars/liveruns"
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 8 << 20
)

// ErrorKind classifies why a fetch failed.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindStatus    ErrorKind = "status"
	KindMalformed ErrorKind = "malformed"
)

// FetchError is returned by Fetch when no roster could be obtained.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Client performs one GET of the live-runs feed per Fetch call.
// It never retries and never caches.
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	maxBody    int64
	logger     *zap.SugaredLogger
}

func NewClient(url string, timeout time.Duration, logger *zap.SugaredLogger) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("feed client requires a url")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:        url,
		timeout:    timeout,
		httpClient: &http.Client{},
		maxBody:    maxBodyBytes,
		logger:     logger,
	}, nil
}

func (c *Client) URL() string {
	return c.url
}

// Fetch retrieves the current roster. Every call is bounded by the client
// timeout even if ctx has no deadline.
func (c *Client) Fetch(ctx context.Context) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, URL: c.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pacealert")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{
			Kind: KindStatus,
			URL:  c.url,
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, c.transportError(err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, &FetchError{
			Kind: KindMalformed,
			URL:  c.url,
			Err:  fmt.Errorf("response body exceeds %d bytes", c.maxBody),
		}
	}

	sessions, skipped, err := Parse(body)
	if err != nil {
		return nil, &FetchError{Kind: KindMalformed, URL: c.url, Err: err}
	}
	for _, skip := range skipped {
		c.logger.Warnw("skipping malformed feed record", "error", skip)
	}
	return sessions, nil
}

func (c *Client) transportError(err error) *FetchError {
	kind := KindTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, URL: c.url, Err: err}
}
