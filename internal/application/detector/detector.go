// Package detector answers format-support and network-quality questions
// and turns an image descriptor into the concrete request to issue.
package detector

import (
	"strings"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	"github.com/lumenstudio/imagepipe/pkg/logger"
	"go.uber.org/zap"
)

// Policy holds the tunable network classification thresholds
type Policy struct {
	SlowDownlinkMbps float64
	FastDownlinkMbps float64
}

// DefaultPolicy returns the default thresholds
func DefaultPolicy() Policy {
	return Policy{
		SlowDownlinkMbps: 1.0,
		FastDownlinkMbps: 5.0,
	}
}

// Detector memoizes format support for its lifetime. Network quality is
// re-read on every call since it changes during a session.
type Detector struct {
	provider outbound.CapabilityProvider
	policy   Policy
	logger   *zap.Logger
	metrics  *monitoring.MetricsCollector

	mu      sync.Mutex
	formats map[imaging.Format]bool
}

// New creates a detector over provider
func New(provider outbound.CapabilityProvider, policy Policy, log *zap.Logger, metrics *monitoring.MetricsCollector) *Detector {
	if policy.SlowDownlinkMbps <= 0 {
		policy.SlowDownlinkMbps = DefaultPolicy().SlowDownlinkMbps
	}
	if policy.FastDownlinkMbps <= policy.SlowDownlinkMbps {
		policy.FastDownlinkMbps = DefaultPolicy().FastDownlinkMbps
	}
	return &Detector{
		provider: provider,
		policy:   policy,
		logger:   logger.OrNop(log),
		metrics:  metrics,
		formats:  make(map[imaging.Format]bool),
	}
}

// SupportsFormat reports whether the runtime decodes format. The first answer
// per format is final; failures answer false.
func (d *Detector) SupportsFormat(format imaging.Format) bool {
	if format == imaging.FormatJPEG {
		return true
	}
	if !format.Modern() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if supported, ok := d.formats[format]; ok {
		return supported
	}

	supported := d.probe(format)
	d.formats[format] = supported
	return supported
}

func (d *Detector) probe(format imaging.Format) (supported bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("Format probe panicked", zap.String("format", string(format)), zap.Any("panic", r))
			d.metrics.CapabilityFallback("format")
			supported = false
		}
	}()

	if d.provider == nil {
		return false
	}

	supported, err := d.provider.ProbeFormat(format)
	if err != nil {
		d.logger.Warn("Format probe failed", zap.String("format", string(format)), zap.Error(err))
		d.metrics.CapabilityFallback("format")
		return false
	}
	return supported
}

// ConnectionQuality classifies the current network. Signals are consulted in
// order: data saver, effective type, measured downlink.
func (d *Detector) ConnectionQuality() (quality imaging.ConnectionQuality) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("Network probe panicked", zap.Any("panic", r))
			d.metrics.CapabilityFallback("network")
			quality = imaging.ConnectionMedium
		}
	}()

	if d.provider == nil {
		return imaging.ConnectionUnknown
	}

	info, err := d.provider.NetworkInfo()
	if err != nil {
		d.logger.Warn("Network probe failed", zap.Error(err))
		d.metrics.CapabilityFallback("network")
		return imaging.ConnectionMedium
	}

	return d.classify(info)
}

func (d *Detector) classify(info outbound.NetworkInfo) imaging.ConnectionQuality {
	if info.SaveData {
		return imaging.ConnectionSlow
	}

	switch strings.ToLower(info.EffectiveType) {
	case "slow-2g", "2g":
		return imaging.ConnectionSlow
	case "3g":
		return imaging.ConnectionMedium
	}

	if info.HasDownlink {
		switch {
		case info.DownlinkMbps < d.policy.SlowDownlinkMbps:
			return imaging.ConnectionSlow
		case info.DownlinkMbps >= d.policy.FastDownlinkMbps:
			return imaging.ConnectionFast
		default:
			return imaging.ConnectionMedium
		}
	}

	if strings.EqualFold(info.EffectiveType, "4g") {
		return imaging.ConnectionFast
	}

	return imaging.ConnectionUnknown
}

// Optimize negotiates format and quality for a descriptor. Priority images
// keep their requested quality on any network.
func (d *Detector) Optimize(desc imaging.Descriptor) imaging.Resolved {
	desc = desc.WithDefaults()

	quality := desc.Quality
	if !desc.Priority && d.ConnectionQuality() == imaging.ConnectionSlow {
		quality = quality.Downgrade()
	}

	format := d.negotiate(desc.Format)

	return imaging.Resolved{
		Source:  desc.Source,
		URL:     imaging.VariantURL(desc.Source, desc.Width, format, quality),
		Width:   desc.Width,
		Quality: quality,
		Format:  format,
	}
}

func (d *Detector) negotiate(preferred imaging.Format) imaging.Format {
	var candidates []imaging.Format
	switch preferred {
	case imaging.FormatAVIF, imaging.FormatAuto:
		candidates = []imaging.Format{imaging.FormatAVIF, imaging.FormatWebP}
	case imaging.FormatWebP:
		candidates = []imaging.Format{imaging.FormatWebP}
	}

	for _, candidate := range candidates {
		if d.SupportsFormat(candidate) {
			return candidate
		}
	}
	return imaging.FormatJPEG
}
