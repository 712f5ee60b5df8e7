package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	referer   = "https://www.dailymotion.com/"
	origin    = "https://www.dailymotion.com"
)

// HTTPStatusError is returned for any non-2xx response so the retry policy
// can classify it by status code.
type HTTPStatusError struct {
	Status int
	URL    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Status, e.URL)
}

// Client issues playlist and segment GETs with the standard header set. No
// per-request timeout: the retry policy plus the job-level stall ceiling
// bound total time instead.
type Client struct {
	httpClient *http.Client
	cookie     string
}

func NewClient(cookie string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
			},
		},
		cookie: cookie,
	}
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", referer)
	req.Header.Set("Origin", origin)
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &HTTPStatusError{Status: resp.StatusCode, URL: url}
	}
	return resp, nil
}

// FetchBytes reads the full response body for one segment.
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// FetchText retrieves a playlist document.
func (c *Client) FetchText(ctx context.Context, url string) (string, error) {
	b, err := c.FetchBytes(ctx, url)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
