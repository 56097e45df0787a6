// Package config provides centralized configuration management
// using Viper for configuration loading and validation
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Origin      OriginConfig      `mapstructure:"origin"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Network     NetworkConfig     `mapstructure:"network"`
	Preload     PreloadConfig     `mapstructure:"preload"`
	Visibility  VisibilityConfig  `mapstructure:"visibility"`
	Progressive ProgressiveConfig `mapstructure:"progressive"`
	Priming     PrimingConfig     `mapstructure:"priming"`
	Placeholder PlaceholderConfig `mapstructure:"placeholder"`
	Session     SessionConfig     `mapstructure:"session"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"oneof=development staging production test"`
	Debug       bool   `mapstructure:"debug"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `mapstructure:"log_format" validate:"oneof=json console"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

// OriginConfig describes the site being served and the upstream holding its assets
type OriginConfig struct {
	// Upstream is where requests that miss the cache are fetched from.
	Upstream string `mapstructure:"upstream" validate:"required,url"`
	// Site is the public origin; requests to other hosts pass through untouched.
	Site           string        `mapstructure:"site" validate:"omitempty,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// HealthPath is probed on the upstream by the readiness check.
	HealthPath string `mapstructure:"health_path"`
}

// CacheConfig contains cache controller configuration
type CacheConfig struct {
	Version           string   `mapstructure:"version" validate:"required,alphanum"`
	Store             string   `mapstructure:"store" validate:"oneof=memory redis"`
	PartitionCapacity int      `mapstructure:"partition_capacity" validate:"min=1"`
	Manifest          []string `mapstructure:"manifest" validate:"min=1,dive,startswith=/"`
	ImageExtensions   []string `mapstructure:"image_extensions" validate:"min=1,dive,alphanum"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	Database      int           `mapstructure:"database"`
	MaxRetries    int           `mapstructure:"max_retries"`
	MinIdleConns  int           `mapstructure:"min_idle_conns"`
	PoolSize      int           `mapstructure:"pool_size"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	EnableCluster bool          `mapstructure:"enable_cluster"`
	ClusterNodes  []string      `mapstructure:"cluster_nodes"`
}

// NetworkConfig holds the connection quality thresholds in Mbps
type NetworkConfig struct {
	SlowDownlinkMbps float64 `mapstructure:"slow_downlink_mbps" validate:"gt=0"`
	FastDownlinkMbps float64 `mapstructure:"fast_downlink_mbps" validate:"gtfield=SlowDownlinkMbps"`
}

// PreloadConfig controls hero classification
type PreloadConfig struct {
	HeroWidth    int      `mapstructure:"hero_width" validate:"min=1"`
	HeroKeywords []string `mapstructure:"hero_keywords"`
	// Critical images are hinted into every HTML page once per session.
	Critical []CriticalImage `mapstructure:"critical" validate:"dive"`
}

// CriticalImage is a site-wide image worth preloading on first navigation
type CriticalImage struct {
	Source     string `mapstructure:"src" validate:"required"`
	Identifier string `mapstructure:"id"`
	Width      int    `mapstructure:"width" validate:"min=0"`
	Priority   bool   `mapstructure:"priority"`
	Preload    bool   `mapstructure:"preload"`
}

// VisibilityConfig controls the look-ahead margin
type VisibilityConfig struct {
	RootMargin int `mapstructure:"root_margin" validate:"min=0,max=10000"`
}

// ProgressiveConfig controls variant sizes and staggering
type ProgressiveConfig struct {
	ThumbnailWidth int           `mapstructure:"thumbnail_width" validate:"min=1"`
	MediumWidth    int           `mapstructure:"medium_width" validate:"gtfield=ThumbnailWidth"`
	MediumDelay    time.Duration `mapstructure:"medium_delay"`
	FullDelay      time.Duration `mapstructure:"full_delay"`
}

// PrimingConfig paces the cache priming call
type PrimingConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gt=0"`
	Burst         int     `mapstructure:"burst" validate:"min=1"`
	Concurrency   int     `mapstructure:"concurrency" validate:"min=1"`
	MaxURLs       int     `mapstructure:"max_urls" validate:"min=1"`
}

// PlaceholderConfig holds the placeholder palette
type PlaceholderConfig struct {
	DefaultColor string            `mapstructure:"default_color" validate:"hexcolor"`
	Palette      map[string]string `mapstructure:"palette" validate:"dive,hexcolor"`
}

// SessionConfig controls the page session cookie
type SessionConfig struct {
	CookieName  string        `mapstructure:"cookie_name" validate:"required"`
	TTL         time.Duration `mapstructure:"ttl" validate:"gt=0"`
	MaxSessions int           `mapstructure:"max_sessions" validate:"min=1"`
	Secure      bool          `mapstructure:"secure"`
}

// MonitoringConfig contains monitoring and observability configuration
type MonitoringConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	EnableTracing   bool   `mapstructure:"enable_tracing"`
	ServiceName     string `mapstructure:"service_name"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
	LivenessPath    string `mapstructure:"liveness_path"`

	// OTLPEndpoint is the host:port of an OTLP/HTTP trace collector. Empty
	// keeps spans in process.
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"min=0,max=1"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enable         bool `mapstructure:"enable"`
	RequestsPerMin int  `mapstructure:"requests_per_min" validate:"min=0"`
	BurstSize      int  `mapstructure:"burst_size" validate:"min=0"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/imagepipe")
	}

	v.SetEnvPrefix("IMAGEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist, we have defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "imagepipe")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.max_header_bytes", 1<<20) // 1MB
	v.SetDefault("server.shutdown_timeout", "30s")

	// Origin defaults
	v.SetDefault("origin.upstream", "http://localhost:3000")
	v.SetDefault("origin.request_timeout", "20s")
	v.SetDefault("origin.health_path", "/")

	// Cache defaults
	v.SetDefault("cache.version", "v1")
	v.SetDefault("cache.store", "memory")
	v.SetDefault("cache.partition_capacity", 1000)
	v.SetDefault("cache.manifest", []string{"/", "/static/js/main.js", "/static/css/main.css"})
	v.SetDefault("cache.image_extensions", []string{"png", "jpg", "jpeg", "webp", "gif", "svg"})

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.key_prefix", "imagepipe")

	// Pipeline defaults
	v.SetDefault("network.slow_downlink_mbps", 1.0)
	v.SetDefault("network.fast_downlink_mbps", 5.0)
	v.SetDefault("preload.hero_width", 1200)
	v.SetDefault("preload.hero_keywords", []string{"hero", "banner", "featured", "above-fold"})
	v.SetDefault("visibility.root_margin", 1200)
	v.SetDefault("progressive.thumbnail_width", 64)
	v.SetDefault("progressive.medium_width", 640)
	v.SetDefault("progressive.medium_delay", "100ms")
	v.SetDefault("progressive.full_delay", "300ms")
	v.SetDefault("priming.rate_per_second", 10.0)
	v.SetDefault("priming.burst", 5)
	v.SetDefault("priming.concurrency", 4)
	v.SetDefault("priming.max_urls", 200)
	v.SetDefault("placeholder.default_color", "#f0f0f0")

	// Session defaults
	v.SetDefault("session.cookie_name", "imagepipe_session")
	v.SetDefault("session.ttl", "30m")
	v.SetDefault("session.max_sessions", 10000)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.enable_tracing", true)
	v.SetDefault("monitoring.service_name", "imagepipe")
	v.SetDefault("monitoring.health_check_path", "/healthz")
	v.SetDefault("monitoring.readiness_path", "/readyz")
	v.SetDefault("monitoring.liveness_path", "/livez")
	v.SetDefault("monitoring.otlp_endpoint", "")
	v.SetDefault("monitoring.otlp_insecure", true)
	v.SetDefault("monitoring.sampling_rate", 1.0)

	// Rate limit defaults
	v.SetDefault("rate_limit.enable", true)
	v.SetDefault("rate_limit.requests_per_min", 600)
	v.SetDefault("rate_limit.burst_size", 50)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		var validationErrs []apperrors.ValidationError
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				validationErrs = append(validationErrs, apperrors.ValidationError{
					Field:   fe.Namespace(),
					Value:   fe.Value(),
					Tag:     fe.Tag(),
					Message: fmt.Sprintf("%s failed on the '%s' rule", fe.Namespace(), fe.Tag()),
				})
			}
			return apperrors.NewValidationErrors(validationErrs)
		}
		return err
	}

	if c.Cache.Store == "redis" && c.Redis.Host == "" && len(c.Redis.ClusterNodes) == 0 {
		return apperrors.NewValidationError("redis.host is required when cache.store is redis")
	}

	return nil
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UpstreamURL returns the parsed upstream origin
func (c *Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(c.Origin.Upstream)
}

// SiteURL returns the public origin, falling back to the upstream when unset
func (c *Config) SiteURL() (*url.URL, error) {
	if c.Origin.Site == "" {
		return c.UpstreamURL()
	}
	return url.Parse(c.Origin.Site)
}
