package providers

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

const healthCheckTimeout = 5 * time.Second

// loggingTransport logs every vendor request at debug level: method, URL,
// status and duration.
type loggingTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)

	duration := time.Since(start)
	if err != nil {
		t.logger.Debug("HTTP request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration", duration,
			"error", err,
		)
		return nil, err
	}

	t.logger.Debug("HTTP request",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration", duration,
	)

	return resp, nil
}

func newHTTPClient(logger *slog.Logger) *http.Client {
	return &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			logger: logger,
		},
	}
}

// decompressReader wraps the response body with the decoder matching its
// Content-Encoding. Gzip is handled by the stdlib, brotli by the brotli
// package.
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
