package serviceworker

import (
	"context"
	"errors"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Priming outcomes
const (
	PrimeFetched = "fetched"
	PrimeCached  = "cached"
	PrimeFailed  = "failed"
)

// ErrCrossOrigin is reported for priming URLs outside the site origin
var ErrCrossOrigin = errors.New("url is not same-origin")

// PrimeReport summarizes a priming batch
type PrimeReport struct {
	Fetched []string          `json:"fetched"`
	Cached  []string          `json:"cached"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Prime loads urls into the image generation with bounded concurrency and
// rate pacing. Cached URLs are skipped. Failures are reported per URL and
// never abort the batch; only ctx cancellation ends it early.
func (c *Controller) Prime(ctx context.Context, urls []string) (PrimeReport, error) {
	report := PrimeReport{Failed: make(map[string]string)}
	var mu sync.Mutex

	record := func(url, outcome string, err error) {
		c.metrics.ImagePrimed(outcome)

		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case PrimeFetched:
			report.Fetched = append(report.Fetched, url)
		case PrimeCached:
			report.Cached = append(report.Cached, url)
		default:
			report.Failed[url] = err.Error()
		}
	}

	partition, err := c.store.Open(ctx, c.PartitionName(PurposeImage))
	if err != nil {
		return report, err
	}

	var g errgroup.Group
	g.SetLimit(c.config.Priming.Concurrency)

	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		if seen[raw] {
			continue
		}
		seen[raw] = true

		raw := raw
		g.Go(func() error {
			req, err := fetch.NewRequest(c.config.Origin, raw)
			if err != nil {
				record(raw, PrimeFailed, err)
				return nil
			}
			req.Destination = fetch.DestinationImage
			if !req.SameOrigin(c.config.Origin) {
				record(raw, PrimeFailed, ErrCrossOrigin)
				return nil
			}

			if _, ok := c.match(ctx, partition, req.Key()); ok {
				record(raw, PrimeCached, nil)
				return nil
			}

			if err := c.limiter.Wait(ctx); err != nil {
				record(raw, PrimeFailed, err)
				return nil
			}

			resp, err := c.cacheFirst(ctx, req)
			if err == nil && !resp.OK() {
				err = errors.New(resp.StatusText())
			}
			if err != nil {
				c.logger.Debug("Priming failed", zap.String("url", raw), zap.Error(err))
				record(raw, PrimeFailed, err)
				return nil
			}
			record(raw, PrimeFetched, nil)
			return nil
		})
	}
	_ = g.Wait()

	return report, ctx.Err()
}
