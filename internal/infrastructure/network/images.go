package network

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"mime"
	"net/url"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// opaqueTypes are accepted without decoding
var opaqueTypes = map[string]bool{
	"image/avif":    true,
	"image/svg+xml": true,
}

// ImageLoader loads an image variant through a fetcher and checks that the
// bytes decode
type ImageLoader struct {
	fetcher outbound.Fetcher
	base    *url.URL
	logger  *zap.Logger
}

// NewImageLoader creates a loader resolving relative URLs against base
func NewImageLoader(fetcher outbound.Fetcher, base *url.URL, logger *zap.Logger) *ImageLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageLoader{fetcher: fetcher, base: base, logger: logger}
}

// Load fetches rawURL and decodes its header
func (l *ImageLoader) Load(ctx context.Context, rawURL string) error {
	req, err := fetch.NewRequest(l.base, rawURL)
	if err != nil {
		return apperrors.NewNetworkError(rawURL, fmt.Errorf("%w: %v", imaging.ErrNetwork, err))
	}
	req.Mode = fetch.ModeNoCORS
	req.Destination = fetch.DestinationImage

	resp, err := l.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return apperrors.NewNetworkError(rawURL, fmt.Errorf("%w: status %d", imaging.ErrNetwork, resp.Status))
	}

	return l.decode(rawURL, resp)
}

func (l *ImageLoader) decode(rawURL string, resp *fetch.Response) error {
	if len(resp.Body) == 0 {
		return apperrors.NewDecodeError(rawURL, fmt.Errorf("%w: empty body", imaging.ErrDecode))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if opaqueTypes[mediaType] {
		return nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(resp.Body))
	if err != nil {
		return apperrors.NewDecodeError(rawURL, fmt.Errorf("%w: %v", imaging.ErrDecode, err))
	}

	l.logger.Debug("Image decoded",
		zap.String("url", rawURL),
		zap.String("format", format),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
	)
	return nil
}
