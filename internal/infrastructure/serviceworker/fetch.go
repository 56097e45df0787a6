package serviceworker

import (
	"context"
	"net/http"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	"go.uber.org/zap"
)

// HandleFetch intercepts one request. Images are served cache-first, other
// same-origin GETs network-first with a cache fallback. Everything else, and
// everything before activation, goes straight to the network.
func (c *Controller) HandleFetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if !c.activated() || req.Method != http.MethodGet || !req.SameOrigin(c.config.Origin) {
		resp, err := c.network.Fetch(ctx, req)
		c.metrics.NetworkFetch("passthrough", err)
		return resp, err
	}

	if c.IsImage(req) {
		return c.cacheFirst(ctx, req)
	}
	return c.networkFirst(ctx, req)
}

// Fetcher exposes HandleFetch as an outbound.Fetcher
func (c *Controller) Fetcher() outbound.Fetcher {
	return outbound.FetchFunc(c.HandleFetch)
}

// IsImage reports whether req targets an image by destination or extension
func (c *Controller) IsImage(req *fetch.Request) bool {
	return req.Destination == fetch.DestinationImage || c.imageExt[req.Extension()]
}

func (c *Controller) cacheFirst(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	key := req.Key()

	partition, err := c.store.Open(ctx, c.PartitionName(PurposeImage))
	if err != nil {
		c.logger.Warn("Image partition unavailable, fetching from network", zap.Error(err))
		resp, err := c.network.Fetch(ctx, req)
		c.metrics.NetworkFetch("cache-first", err)
		return resp, err
	}

	if cached, ok := c.match(ctx, partition, key); ok {
		c.metrics.CacheLookup(string(PurposeImage), true)
		return cached, nil
	}
	c.metrics.CacheLookup(string(PurposeImage), false)

	// Concurrent misses for one key share a single network fetch. The shared
	// fetch outlives any one caller's cancellation.
	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)

		resp, err := c.network.Fetch(fetchCtx, req)
		c.metrics.NetworkFetch("cache-first", err)
		if err != nil {
			return nil, err
		}

		if resp.OK() {
			err := partition.Put(fetchCtx, key, resp.Clone())
			c.metrics.CacheWrite(string(PurposeImage), err)
			if err != nil {
				c.logger.Warn("Failed to cache image", zap.String("key", key), zap.Error(err))
			}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*fetch.Response).Clone(), nil
}

func (c *Controller) networkFirst(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	key := req.Key()

	resp, err := c.network.Fetch(ctx, req)
	c.metrics.NetworkFetch("network-first", err)
	if err == nil {
		if resp.OK() && (req.IsNavigation() || resp.IsHTML()) {
			c.storeAsync(ctx, PurposeRuntime, key, resp.Clone())
		}
		return resp, nil
	}

	if cached, ok := c.matchAny(ctx, key); ok {
		c.logger.Debug("Serving cached fallback", zap.String("key", key), zap.Error(err))
		return cached, nil
	}
	return nil, err
}

// storeAsync writes resp without delaying the caller
func (c *Controller) storeAsync(ctx context.Context, purpose Purpose, key string, resp *fetch.Response) {
	ctx = context.WithoutCancel(ctx)

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()

		partition, err := c.store.Open(ctx, c.PartitionName(purpose))
		if err == nil {
			err = partition.Put(ctx, key, resp)
		}
		c.metrics.CacheWrite(string(purpose), err)
		if err != nil {
			c.logger.Warn("Failed to cache response",
				zap.String("purpose", string(purpose)),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}()
}

// matchAny searches this version's generations for key
func (c *Controller) matchAny(ctx context.Context, key string) (*fetch.Response, bool) {
	for _, purpose := range Purposes {
		name := c.PartitionName(purpose)

		exists, err := c.store.Has(ctx, name)
		if err != nil || !exists {
			continue
		}
		partition, err := c.store.Open(ctx, name)
		if err != nil {
			continue
		}

		if cached, ok := c.match(ctx, partition, key); ok {
			c.metrics.CacheLookup(string(purpose), true)
			return cached, true
		}
	}
	return nil, false
}

func (c *Controller) match(ctx context.Context, partition outbound.CachePartition, key string) (*fetch.Response, bool) {
	cached, ok, err := partition.Match(ctx, key)
	if err != nil {
		c.logger.Warn("Cache read failed, treating as miss",
			zap.String("partition", partition.Name()),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	return cached, ok
}
