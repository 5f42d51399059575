package reqcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics
const maxErrorBody = 4 << 10

// HTTPStatusError is returned by JSONFetcher for non-2xx responses
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// NewHTTPClient returns a pooled client suited to a long-lived process talking to one backend
func NewHTTPClient() *http.Client {
	return cleanhttp.DefaultPooledClient()
}

// RequestOption customizes requests built by JSONFetcher
type RequestOption func(*http.Request)

// WithHeader sets a request header
func WithHeader(key, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// WithBearerToken sets the Authorization header.
// The token function is called for every request so rotated tokens are picked up.
func WithBearerToken(token func() string) RequestOption {
	return func(req *http.Request) {
		if t := token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}
}

// JSONFetcher builds a Fetcher that issues a request to url and decodes a JSON body into T.
// Any non-2xx response is a failure, so the cache falls back instead of storing it.
func JSONFetcher[T any](client *http.Client, method, url string, opts ...RequestOption) Fetcher[T] {
	if client == nil {
		panic("client is required")
	}
	return func(ctx context.Context) (T, error) {
		var zero T

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return zero, errors.Wrapf(err, "failed to build request: %s %s", method, url)
		}
		req.Header.Set("Accept", "application/json")
		for _, opt := range opts {
			opt(req)
		}

		resp, err := client.Do(req)
		if err != nil {
			return zero, errors.Wrapf(err, "request failed: %s %s", method, url)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return zero, &HTTPStatusError{
				Method:     method,
				URL:        url,
				StatusCode: resp.StatusCode,
				Body:       string(body),
			}
		}

		var value T
		if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
			return zero, errors.Wrapf(err, "failed to decode response: %s %s", method, url)
		}
		return value, nil
	}
}
