package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxBodyBytes     = 64 << 20
	maxRedirects     = 10
)

// HTTPError reports a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// HTTPClient wraps http.Client with browser-like request headers, which some
// sites require before serving article HTML.
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

func NewHTTPClient(userAgent string) *HTTPClient {
	if userAgent == "" {
		userAgent = browserUserAgent
	}
	return &HTTPClient{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: userAgent,
	}
}

type response struct {
	body        []byte
	contentType string
	finalURL    string
}

// get fetches url and reads the whole body. Network failures and non-2xx
// statuses are reported as unreachable.
func (c *HTTPClient) get(ctx context.Context, url string, header http.Header) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return response{}, failure(podcast.ExtractionUnsupported, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/pdf,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return response{}, failure(podcast.ExtractionUnreachable, &HTTPError{StatusCode: resp.StatusCode, URL: url})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{}, err
	}
	return response{
		body:        body,
		contentType: strings.ToLower(resp.Header.Get("Content-Type")),
		finalURL:    resp.Request.URL.String(),
	}, nil
}
