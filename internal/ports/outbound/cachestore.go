package outbound

import (
	"context"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
)

// CacheStore holds named cache partitions (generations)
type CacheStore interface {
	Open(ctx context.Context, name string) (CachePartition, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// CachePartition is one generation of stored responses keyed by normalized URL
type CachePartition interface {
	Name() string
	Match(ctx context.Context, key string) (*fetch.Response, bool, error)
	Put(ctx context.Context, key string, resp *fetch.Response) error
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) (bool, error)
}
