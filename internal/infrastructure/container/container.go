// Package container provides dependency injection using Uber FX
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumenstudio/imagepipe/internal/application/detector"
	"github.com/lumenstudio/imagepipe/internal/application/placeholder"
	"github.com/lumenstudio/imagepipe/internal/application/preload"
	"github.com/lumenstudio/imagepipe/internal/application/progressive"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/cache"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/config"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/http/handlers"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/http/middleware"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/http/server"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/network"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/serviceworker"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	"github.com/lumenstudio/imagepipe/pkg/healthcheck"
	"github.com/lumenstudio/imagepipe/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ConfigPath is the configuration file to load; empty searches the default locations
type ConfigPath string

// Module provides all dependency injection modules
var Module = fx.Options(
	// Infrastructure modules
	ConfigModule,
	LoggerModule,
	MetricsModule,
	TelemetryModule,
	CacheModule,
	NetworkModule,

	// Pipeline modules
	ControllerModule,
	PipelineModule,

	// HTTP modules
	HealthModule,
	HTTPModule,

	// Lifecycle hooks
	LifecycleModule,
)

// ConfigModule provides configuration
var ConfigModule = fx.Provide(
	func(path ConfigPath) (*config.Config, error) {
		return config.Load(string(path))
	},
)

// LoggerModule provides logging
var LoggerModule = fx.Provide(
	func(cfg *config.Config) (*zap.Logger, error) {
		return logger.New(logger.Config{
			Level:       cfg.App.LogLevel,
			Format:      cfg.App.LogFormat,
			Development: cfg.App.Debug,
		})
	},
)

// MetricsModule provides a private Prometheus registry and the collectors on it
var MetricsModule = fx.Provide(
	func() *prometheus.Registry {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return reg
	},
	monitoring.NewMetricsCollector,
)

// TelemetryModule provides the OpenTelemetry providers. Instruments are
// exported through the Prometheus registry.
var TelemetryModule = fx.Provide(
	func(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) (*monitoring.Telemetry, error) {
		tel, err := monitoring.NewTelemetry(monitoring.TelemetryConfig{
			ServiceName:    cfg.Monitoring.ServiceName,
			ServiceVersion: cfg.App.Version,
			Environment:    cfg.App.Environment,
			TracingEnabled: cfg.Monitoring.EnableTracing,
			OTLPEndpoint:   cfg.Monitoring.OTLPEndpoint,
			OTLPInsecure:   cfg.Monitoring.OTLPInsecure,
			SamplingRate:   cfg.Monitoring.SamplingRate,
			MetricsEnabled: cfg.Monitoring.EnableMetrics,
		}, reg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		lc.Append(fx.Hook{
			OnStop: tel.Shutdown,
		})
		return tel, nil
	},
)

// CacheModule provides the response store and the per-session hint registries
var CacheModule = fx.Provide(
	NewCacheStore,
	func(cfg *config.Config) *cache.RegistryStore {
		return cache.NewRegistryStore(cfg.Session.MaxSessions, cfg.Session.TTL)
	},
)

// NewCacheStore selects the memory or Redis store
func NewCacheStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (outbound.CacheStore, error) {
	if cfg.Cache.Store != "redis" {
		log.Info("Using in-memory cache store", zap.Int("partition_capacity", cfg.Cache.PartitionCapacity))
		return cache.NewMemoryStore(cfg.Cache.PartitionCapacity), nil
	}

	store, err := cache.NewRedisStore(&cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect cache store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// NetworkModule provides the upstream fetcher
var NetworkModule = fx.Provide(
	func(cfg *config.Config, log *zap.Logger) (outbound.Fetcher, error) {
		upstream, err := cfg.UpstreamURL()
		if err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
		return network.NewHTTPFetcher(upstream, cfg.Origin.RequestTimeout, log), nil
	},
)

// ControllerModule provides the cache controller and an image loader that
// reads through it
var ControllerModule = fx.Provide(
	func(
		cfg *config.Config,
		store outbound.CacheStore,
		fetcher outbound.Fetcher,
		log *zap.Logger,
		metrics *monitoring.MetricsCollector,
	) (*serviceworker.Controller, error) {
		site, err := cfg.SiteURL()
		if err != nil {
			return nil, fmt.Errorf("invalid site origin: %w", err)
		}
		return serviceworker.New(store, fetcher, serviceworker.Config{
			Version:         cfg.Cache.Version,
			Origin:          site,
			Manifest:        cfg.Cache.Manifest,
			ImageExtensions: cfg.Cache.ImageExtensions,
			Priming: serviceworker.PrimingConfig{
				RatePerSecond: cfg.Priming.RatePerSecond,
				Burst:         cfg.Priming.Burst,
				Concurrency:   cfg.Priming.Concurrency,
			},
		}, log, metrics), nil
	},
	func(controller *serviceworker.Controller, log *zap.Logger) outbound.ImageLoader {
		return network.NewImageLoader(controller.Fetcher(), controller.Origin(), log)
	},
)

// PipelineModule provides the placeholder palette and the handler options
var PipelineModule = fx.Provide(
	func(cfg *config.Config) *placeholder.Palette {
		return placeholder.NewPalette(cfg.Placeholder.Palette, cfg.Placeholder.DefaultColor)
	},
	NewHandlerOptions,
)

// NewHandlerOptions maps configuration onto the pipeline policies
func NewHandlerOptions(cfg *config.Config) (handlers.Options, error) {
	site, err := cfg.SiteURL()
	if err != nil {
		return handlers.Options{}, fmt.Errorf("invalid site origin: %w", err)
	}

	critical := make([]imaging.Descriptor, 0, len(cfg.Preload.Critical))
	for _, img := range cfg.Preload.Critical {
		critical = append(critical, imaging.Descriptor{
			Source:     img.Source,
			Identifier: img.Identifier,
			Width:      img.Width,
			Priority:   img.Priority,
			Preload:    img.Preload,
		})
	}

	return handlers.Options{
		Detector: detector.Policy{
			SlowDownlinkMbps: cfg.Network.SlowDownlinkMbps,
			FastDownlinkMbps: cfg.Network.FastDownlinkMbps,
		},
		Preload: preload.Policy{
			HeroWidth:    cfg.Preload.HeroWidth,
			HeroKeywords: cfg.Preload.HeroKeywords,
			Origin:       site,
		},
		Progressive: progressive.Config{
			ThumbnailWidth: cfg.Progressive.ThumbnailWidth,
			MediumWidth:    cfg.Progressive.MediumWidth,
			MediumDelay:    cfg.Progressive.MediumDelay,
			FullDelay:      cfg.Progressive.FullDelay,
		},
		RootMargin:   cfg.Visibility.RootMargin,
		MaxPrimeURLs: cfg.Priming.MaxURLs,
		Critical:     critical,
	}, nil
}

// HealthModule provides the readiness checks
var HealthModule = fx.Provide(
	NewHealthCheck,
)

// NewHealthCheck registers checks for the active cache generation, the
// upstream origin and, when used, Redis
func NewHealthCheck(
	cfg *config.Config,
	store outbound.CacheStore,
	controller *serviceworker.Controller,
	log *zap.Logger,
) (*healthcheck.HealthCheck, error) {
	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}

	health := healthcheck.New(cfg.App.Version, log.Named("health"))
	health.Register("controller", healthcheck.NewCustomChecker("controller",
		func(context.Context) (healthcheck.Status, string, interface{}) {
			meta := map[string]string{
				"state":   controller.State().String(),
				"version": controller.Version(),
			}
			if controller.State() != serviceworker.StateActivated {
				return healthcheck.StatusUnhealthy, "cache generation not active", meta
			}
			return healthcheck.StatusHealthy, "", meta
		}))

	probe := upstream.JoinPath(cfg.Origin.HealthPath)
	health.Register("upstream", healthcheck.NewUpstreamChecker(probe.String(), cfg.Origin.RequestTimeout))

	if redisStore, ok := store.(*cache.RedisStore); ok {
		health.Register("redis", healthcheck.NewRedisChecker(redisStore.Client()))
	}
	return health, nil
}

// HTTPModule provides HTTP server and handlers
var HTTPModule = fx.Provide(
	middleware.New,
	handlers.NewPipelineHandlers,
	server.NewServer,
)

// LifecycleModule provides lifecycle hooks
var LifecycleModule = fx.Invoke(
	RegisterLifecycleHooks,
)

// RegisterLifecycleHooks installs and activates the cache generation through
// the controller's event loop before serving, and drains pending cache
// writes on shutdown
func RegisterLifecycleHooks(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	controller *serviceworker.Controller,
	sessions *cache.RegistryStore,
	srv *server.Server,
	_ *monitoring.Telemetry,
) {
	runCtx, stopRun := context.WithCancel(context.Background())
	events := make(chan serviceworker.Event)
	runDone := make(chan error, 1)
	var stopCleanup chan struct{}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("Starting imagepipe",
				zap.String("version", cfg.App.Version),
				zap.String("environment", cfg.App.Environment),
				zap.String("cache_version", cfg.Cache.Version),
			)

			go func() {
				runDone <- controller.Run(runCtx, events)
			}()

			for _, kind := range []serviceworker.EventKind{serviceworker.EventInstall, serviceworker.EventActivate} {
				if err := dispatch(ctx, events, kind); err != nil {
					stopRun()
					return fmt.Errorf("cache %s failed: %w", kind, err)
				}
			}

			stopCleanup = sessions.AutoCleanup(cleanupInterval(cfg.Session.TTL))

			if err := srv.Start(); err != nil {
				close(stopCleanup)
				stopRun()
				return fmt.Errorf("failed to start HTTP server: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping imagepipe")

			close(stopCleanup)
			err := srv.Shutdown(ctx)

			stopRun()
			select {
			case <-runDone:
			case <-ctx.Done():
			}

			if drainErr := controller.Drain(ctx); drainErr != nil {
				err = errors.Join(err, fmt.Errorf("pending cache writes: %w", drainErr))
			}
			return err
		},
	})
}

func dispatch(ctx context.Context, events chan<- serviceworker.Event, kind serviceworker.EventKind) error {
	reply := make(chan serviceworker.Result, 1)

	select {
	case events <- serviceworker.Event{Kind: kind, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case result := <-reply:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 2; interval > time.Second {
		return interval
	}
	return time.Second
}
