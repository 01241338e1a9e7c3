// Package httputil provides shared HTTP client construction utilities
// for the prompt-rendering engine. It centralizes timeout defaults so
// every caller that fetches remote media uses consistent configuration.
package httputil

import (
	"net/http"
	"time"
)

// DefaultMediaFetchTimeout is the HTTP timeout used when an ImagePart's
// bytes are resolved from a URL rather than local disk or inline data.
const DefaultMediaFetchTimeout = 30 * time.Second

// NewHTTPClient returns an *http.Client configured with the given timeout.
// Pass DefaultMediaFetchTimeout, or a custom duration.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
