// Package progressive upgrades an image slot through thumbnail, medium and
// full resolution variants.
package progressive

import (
	"time"

	"github.com/lumenstudio/imagepipe/internal/application/detector"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	"github.com/lumenstudio/imagepipe/pkg/logger"
	"go.uber.org/zap"
)

// Config controls variant sizes and staggering
type Config struct {
	ThumbnailWidth int
	MediumWidth    int
	// MediumDelay is the wait before the medium variant starts in staggered mode.
	MediumDelay time.Duration
	// FullDelay starts the full variant this long after the medium one even
	// if the medium load has not finished.
	FullDelay time.Duration
}

// DefaultConfig returns the default stage configuration
func DefaultConfig() Config {
	return Config{
		ThumbnailWidth: 64,
		MediumWidth:    640,
		MediumDelay:    100 * time.Millisecond,
		FullDelay:      300 * time.Millisecond,
	}
}

// Plan is the set of variant URLs for one source
type Plan struct {
	Thumbnail string `json:"thumbnail"`
	Medium    string `json:"medium"`
	Full      string `json:"full"`
}

// URL returns the variant for stage, empty for loading
func (p Plan) URL(stage imaging.Stage) string {
	switch stage {
	case imaging.StageThumbnail:
		return p.Thumbnail
	case imaging.StageMedium:
		return p.Medium
	case imaging.StageFull:
		return p.Full
	}
	return ""
}

// Loader creates progressive slots sharing one image loader and detector
type Loader struct {
	images   outbound.ImageLoader
	detector *detector.Detector
	config   Config
	logger   *zap.Logger
	metrics  *monitoring.MetricsCollector
}

// NewLoader creates a loader
func NewLoader(
	images outbound.ImageLoader,
	det *detector.Detector,
	config Config,
	log *zap.Logger,
	metrics *monitoring.MetricsCollector,
) *Loader {
	defaults := DefaultConfig()
	if config.ThumbnailWidth <= 0 {
		config.ThumbnailWidth = defaults.ThumbnailWidth
	}
	if config.MediumWidth <= 0 {
		config.MediumWidth = defaults.MediumWidth
	}
	if config.MediumDelay < 0 {
		config.MediumDelay = 0
	}
	if config.FullDelay < 0 {
		config.FullDelay = 0
	}

	return &Loader{
		images:   images,
		detector: det,
		config:   config,
		logger:   logger.OrNop(log),
		metrics:  metrics,
	}
}

// Plan resolves the three variants for desc. The full variant follows the
// detector's format and quality decision; the lower tiers reuse its format.
func (l *Loader) Plan(desc imaging.Descriptor) Plan {
	resolved := l.detector.Optimize(desc)

	return Plan{
		Thumbnail: imaging.VariantURL(desc.Source, l.config.ThumbnailWidth, resolved.Format, imaging.QualityLow),
		Medium:    imaging.VariantURL(desc.Source, l.config.MediumWidth, resolved.Format, imaging.QualityMedium),
		Full:      resolved.URL,
	}
}
