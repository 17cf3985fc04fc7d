// Package fetcher contains the HTTP implementation of the loader.Fetcher
package fetcher

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 30 * time.Second

// HTTP retrieves keys as URLs using GET requests
type HTTP struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTP creates an HTTP fetcher with the given request timeout. A
// zero timeout falls back to 30s.
func NewHTTP(timeout time.Duration, userAgent string) *HTTP {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTP{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Fetch implements the loader.Fetcher interface. Any response status
// outside the 2xx range is treated as failure.
func (h HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch source file")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("closing response body (leaked fd)")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		return nil, errors.Errorf("HTTP status signaled failure: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	return body, nil
}
