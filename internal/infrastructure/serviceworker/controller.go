// Package serviceworker implements the cache controller: an actor that
// intercepts fetches, keeps versioned cache generations per purpose and
// purges stale generations on activation.
package serviceworker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"github.com/lumenstudio/imagepipe/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Purpose tags a cache generation
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeImage   Purpose = "image"
	PurposeRuntime Purpose = "runtime"
)

// Purposes lists every purpose the controller manages
var Purposes = []Purpose{PurposeStatic, PurposeImage, PurposeRuntime}

// PartitionName returns the generation name for purpose at version
func PartitionName(purpose Purpose, version string) string {
	return fmt.Sprintf("%s-cache-%s", purpose, version)
}

// State is the controller lifecycle state
type State int

const (
	StateNew State = iota
	StateInstalled
	StateActivated
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalled:
		return "installed"
	case StateActivated:
		return "activated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures a controller generation
type Config struct {
	Version string
	// Origin is the site origin; requests to other origins pass through.
	Origin          *url.URL
	Manifest        []string
	ImageExtensions []string
	Priming         PrimingConfig
}

// PrimingConfig paces Prime
type PrimingConfig struct {
	RatePerSecond float64
	Burst         int
	Concurrency   int
}

// DefaultImageExtensions are the file extensions treated as images
var DefaultImageExtensions = []string{"png", "jpg", "jpeg", "webp", "gif", "svg"}

// Controller is the cache controller
type Controller struct {
	store    outbound.CacheStore
	network  outbound.Fetcher
	config   Config
	imageExt map[string]bool
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *monitoring.MetricsCollector

	// lifecycle serializes Install and Activate; mu guards state only.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	state     State

	inflight singleflight.Group
	writes   sync.WaitGroup
}

// New creates a controller in the new state
func New(
	store outbound.CacheStore,
	network outbound.Fetcher,
	config Config,
	log *zap.Logger,
	metrics *monitoring.MetricsCollector,
) *Controller {
	if len(config.ImageExtensions) == 0 {
		config.ImageExtensions = DefaultImageExtensions
	}
	if config.Priming.RatePerSecond <= 0 {
		config.Priming.RatePerSecond = 10
	}
	if config.Priming.Burst <= 0 {
		config.Priming.Burst = 5
	}
	if config.Priming.Concurrency <= 0 {
		config.Priming.Concurrency = 4
	}

	imageExt := make(map[string]bool, len(config.ImageExtensions))
	for _, ext := range config.ImageExtensions {
		imageExt[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	return &Controller{
		store:    store,
		network:  network,
		config:   config,
		imageExt: imageExt,
		limiter:  rate.NewLimiter(rate.Limit(config.Priming.RatePerSecond), config.Priming.Burst),
		logger:   logger.OrNop(log).With(zap.String("cache_version", config.Version)),
		metrics:  metrics,
	}
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Version returns the cache version token
func (c *Controller) Version() string {
	return c.config.Version
}

// Origin returns the site origin
func (c *Controller) Origin() *url.URL {
	return c.config.Origin
}

// PartitionName returns this version's generation name for purpose
func (c *Controller) PartitionName(purpose Purpose) string {
	return PartitionName(purpose, c.config.Version)
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Install creates the image generation and precaches the manifest into the
// static generation. Any manifest failure fails installation and leaves the
// controller in the new state so installation can be retried.
func (c *Controller) Install(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if state := c.State(); state != StateNew {
		return apperrors.NewLifecycleError("install", state.String())
	}

	if _, err := c.store.Open(ctx, c.PartitionName(PurposeImage)); err != nil {
		c.logger.Warn("Failed to create image partition, it will be created on first write", zap.Error(err))
	}

	static, err := c.store.Open(ctx, c.PartitionName(PurposeStatic))
	if err != nil {
		return apperrors.NewInstallError(c.PartitionName(PurposeStatic), err)
	}

	responses := make([]*fetch.Response, len(c.config.Manifest))
	keys := make([]string, len(c.config.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range c.config.Manifest {
		i, path := i, path
		g.Go(func() error {
			req, err := fetch.NewRequest(c.config.Origin, path)
			if err != nil {
				return apperrors.NewInstallError(path, err)
			}

			resp, err := c.network.Fetch(gctx, req)
			c.metrics.NetworkFetch("precache", err)
			if err != nil {
				return apperrors.NewInstallError(path, err)
			}
			if !resp.OK() {
				return apperrors.NewInstallError(path, fmt.Errorf("unexpected status %d", resp.Status))
			}

			responses[i] = resp
			keys[i] = req.Key()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("Installation failed", zap.Error(err))
		return err
	}

	for i, resp := range responses {
		err := static.Put(ctx, keys[i], resp)
		c.metrics.CacheWrite(string(PurposeStatic), err)
		if err != nil {
			return apperrors.NewInstallError(c.config.Manifest[i], err)
		}
	}

	c.setState(StateInstalled)
	c.logger.Info("Cache controller installed", zap.Int("precached", len(responses)))
	return nil
}

// Activate deletes generations of known purposes whose version differs from
// the current one. Generations of other purposes are left alone. Deletion
// failures are logged and do not block activation.
func (c *Controller) Activate(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if state := c.State(); state != StateInstalled {
		return apperrors.NewLifecycleError("activate", state.String())
	}

	names, err := c.store.Names(ctx)
	if err != nil {
		return apperrors.NewCacheStoreError("list generations", err)
	}

	var deleted []string
	for _, name := range names {
		if !c.isStale(name) {
			continue
		}
		if _, err := c.store.Delete(ctx, name); err != nil {
			c.logger.Warn("Failed to delete stale generation", zap.String("generation", name), zap.Error(err))
			continue
		}
		c.metrics.GenerationDeleted()
		deleted = append(deleted, name)
	}

	c.setState(StateActivated)
	c.logger.Info("Cache controller activated", zap.Strings("deleted_generations", deleted))
	return nil
}

func (c *Controller) isStale(name string) bool {
	for _, purpose := range Purposes {
		if strings.HasPrefix(name, string(purpose)+"-cache-") {
			return name != c.PartitionName(purpose)
		}
	}
	return false
}

func (c *Controller) activated() bool {
	return c.State() == StateActivated
}

// Drain waits for pending background cache writes
func (c *Controller) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
