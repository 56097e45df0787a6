package preload

import (
	"net/url"
	"strings"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/application/detector"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/monitoring"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	"github.com/lumenstudio/imagepipe/pkg/logger"
	"go.uber.org/zap"
)

// Policy configures hero classification
type Policy struct {
	HeroWidth    int
	HeroKeywords []string
	// Origin is the site origin; images on it need no DNS or preconnect hints.
	Origin *url.URL
}

// DefaultPolicy returns the default hero classification
func DefaultPolicy() Policy {
	return Policy{
		HeroWidth:    1200,
		HeroKeywords: []string{"hero", "banner", "featured", "above-fold"},
	}
}

// Scheduler inserts preload, prefetch, dns-prefetch and preconnect hints
type Scheduler struct {
	registry *Registry
	detector *detector.Detector
	sink     outbound.HintSink
	policy   Policy
	logger   *zap.Logger
	metrics  *monitoring.MetricsCollector
}

// NewScheduler creates a scheduler writing hints to sink
func NewScheduler(
	registry *Registry,
	det *detector.Detector,
	sink outbound.HintSink,
	policy Policy,
	log *zap.Logger,
	metrics *monitoring.MetricsCollector,
) *Scheduler {
	if policy.HeroWidth <= 0 {
		policy.HeroWidth = DefaultPolicy().HeroWidth
	}
	if policy.HeroKeywords == nil {
		policy.HeroKeywords = DefaultPolicy().HeroKeywords
	}
	return &Scheduler{
		registry: registry,
		detector: det,
		sink:     sink,
		policy:   policy,
		logger:   logger.OrNop(log),
		metrics:  metrics,
	}
}

// Schedule hints desc for the rest of the session
func (s *Scheduler) Schedule(desc imaging.Descriptor) {
	s.Acquire(desc)
}

// Acquire hints desc and returns a lease that removes the inserted hints when
// the owning component goes away. The registry keeps the URL marked.
func (s *Scheduler) Acquire(desc imaging.Descriptor) *Lease {
	lease := &Lease{logger: s.logger}

	if err := desc.Validate(); err != nil {
		s.logger.Warn("Skipping invalid image descriptor", zap.String("src", desc.Source), zap.Error(err))
		return lease
	}
	desc = desc.WithDefaults()

	s.prefetchDomain(desc.Source, lease)

	priority := s.EffectivePriority(desc)
	if !priority && !desc.Preload {
		return lease
	}

	// The registry may be shared by schedulers serving concurrent requests
	// of one session, so the URL is claimed before the hint is inserted.
	key := desc.Key()
	if !s.registry.TryMarkHinted(key) {
		return lease
	}

	hint := imaging.Hint{As: "image"}
	if priority {
		desc.Priority = true
		hint.Rel = imaging.RelPreload
		hint.FetchPriority = imaging.FetchPriorityHigh
	} else {
		hint.Rel = imaging.RelPreload
		hint.FetchPriority = imaging.FetchPriorityAuto
		if s.detector.ConnectionQuality() == imaging.ConnectionSlow {
			hint.Rel = imaging.RelPrefetch
		}
	}
	resolved := s.detector.Optimize(desc)
	hint.Href = resolved.URL
	hint.Type = resolved.Format.MimeType()

	if !s.insert(hint, lease) {
		s.registry.UnmarkHinted(key)
	}

	return lease
}

// EffectivePriority combines the explicit flag with hero classification
func (s *Scheduler) EffectivePriority(desc imaging.Descriptor) bool {
	if desc.Priority {
		return true
	}
	if desc.Width >= s.policy.HeroWidth {
		return true
	}

	haystack := strings.ToLower(desc.Identifier + " " + desc.Source)
	for _, keyword := range s.policy.HeroKeywords {
		if keyword != "" && strings.Contains(haystack, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

func (s *Scheduler) prefetchDomain(src string, lease *Lease) {
	target, err := url.Parse(src)
	if err != nil || target.Host == "" {
		return
	}
	if s.policy.Origin != nil && strings.EqualFold(target.Host, s.policy.Origin.Host) {
		return
	}

	domain := strings.ToLower(target.Host)
	if !s.registry.TryMarkPrefetchedDomain(domain) {
		return
	}

	scheme := target.Scheme
	if scheme == "" {
		scheme = "https"
	}

	dns := s.insert(imaging.Hint{Rel: imaging.RelDNSPrefetch, Href: "//" + domain}, lease)
	preconnect := s.insert(imaging.Hint{Rel: imaging.RelPreconnect, Href: scheme + "://" + domain, CrossOrigin: "anonymous"}, lease)
	if !dns && !preconnect {
		s.registry.UnmarkPrefetchedDomain(domain)
	}
}

func (s *Scheduler) insert(hint imaging.Hint, lease *Lease) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("Hint insertion panicked", zap.String("href", hint.Href), zap.Any("panic", r))
			ok = false
		}
	}()

	if s.sink == nil {
		return false
	}

	handle, err := s.sink.Insert(hint)
	if err != nil {
		s.logger.Warn("Hint insertion failed",
			zap.String("rel", hint.Rel),
			zap.String("href", hint.Href),
			zap.Error(err),
		)
		return false
	}

	lease.add(handle)
	s.metrics.HintInserted(hint.Rel)
	return true
}

// Lease owns the hints inserted by one Acquire call
type Lease struct {
	logger  *zap.Logger
	handles []outbound.HintHandle
	once    sync.Once
}

func (l *Lease) add(handle outbound.HintHandle) {
	if handle != nil {
		l.handles = append(l.handles, handle)
	}
}

// Len returns the number of hints held by the lease
func (l *Lease) Len() int {
	return len(l.handles)
}

// Release removes the lease's hints. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		for _, handle := range l.handles {
			if err := handle.Remove(); err != nil {
				l.logger.Debug("Hint already removed", zap.Error(err))
			}
		}
	})
}
