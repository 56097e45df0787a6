package outbound

import (
	"context"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
)

// Fetcher performs network requests on behalf of the cache controller
type Fetcher interface {
	Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
}

// ImageLoader fetches and decodes one image variant
type ImageLoader interface {
	Load(ctx context.Context, url string) error
}

// FetchFunc adapts a function to Fetcher
type FetchFunc func(ctx context.Context, req *fetch.Request) (*fetch.Response, error)

// Fetch implements Fetcher
func (f FetchFunc) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return f(ctx, req)
}
