// Package network performs upstream fetches and image decoding for the
// cache controller and the progressive loader.
package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes caps buffered response bodies
const DefaultMaxBodyBytes = 32 << 20

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher fetches requests from the upstream origin
type HTTPFetcher struct {
	client       *http.Client
	upstream     *url.URL
	maxBodyBytes int64
	bodySize     metric.Int64Histogram
	logger       *zap.Logger
}

// NewHTTPFetcher creates a fetcher sending every request to upstream. The
// transport is instrumented with OpenTelemetry.
func NewHTTPFetcher(upstream *url.URL, timeout time.Duration, logger *zap.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bodySize, err := otel.Meter("imagepipe/network").Int64Histogram(
		"imagepipe.upstream.body.size",
		metric.WithDescription("Size of buffered upstream response bodies"),
		metric.WithUnit("By"),
	)
	if err != nil {
		logger.Warn("Upstream body size histogram unavailable", zap.Error(err))
	}

	return &HTTPFetcher{
		bodySize: bodySize,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		upstream:     upstream,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       logger,
	}
}

// Fetch issues req against the upstream and buffers the response. Non-2xx
// statuses are returned as responses, not errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	target := f.rewrite(req.URL)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, apperrors.NewNetworkError(target.String(), fmt.Errorf("%w: %v", imaging.ErrNetwork, err))
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}
	// Bodies are cached decoded.
	httpReq.Header.Del("Accept-Encoding")

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.logger.Debug("Upstream fetch failed", zap.String("url", target.String()), zap.Error(err))
		return nil, apperrors.NewNetworkError(target.String(), fmt.Errorf("%w: %v", imaging.ErrNetwork, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, apperrors.NewNetworkError(target.String(), fmt.Errorf("%w: %v", imaging.ErrNetwork, err))
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, apperrors.NewNetworkError(target.String(), fmt.Errorf("%w: body exceeds %d bytes", imaging.ErrNetwork, f.maxBodyBytes))
	}

	if f.bodySize != nil {
		f.bodySize.Record(ctx, int64(len(body)), metric.WithAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
		))
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Del("Content-Length")

	f.logger.Debug("Upstream fetch",
		zap.String("url", target.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	return &fetch.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

func (f *HTTPFetcher) rewrite(u *url.URL) *url.URL {
	target := *u
	if f.upstream != nil {
		target.Scheme = f.upstream.Scheme
		target.Host = f.upstream.Host
		target.User = f.upstream.User
	}
	target.Fragment = ""
	return &target
}
