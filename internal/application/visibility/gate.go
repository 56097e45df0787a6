// Package visibility decides when an image slot is close enough to the
// viewport to start loading.
package visibility

import (
	"context"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	"github.com/lumenstudio/imagepipe/pkg/logger"
	"go.uber.org/zap"
)

// DefaultRootMargin is the look-ahead in pixels applied when a call site does not set one
const DefaultRootMargin = 1200

// Options tune one observation
type Options struct {
	Priority   bool
	SkipLazy   bool
	RootMargin int
}

// Gate hands out one-way visibility signals
type Gate struct {
	observer      outbound.IntersectionObserver
	defaultMargin int
	logger        *zap.Logger
}

// NewGate creates a gate over observer. A nil observer makes every slot eager.
func NewGate(observer outbound.IntersectionObserver, defaultMargin int, log *zap.Logger) *Gate {
	if defaultMargin <= 0 {
		defaultMargin = DefaultRootMargin
	}
	return &Gate{
		observer:      observer,
		defaultMargin: defaultMargin,
		logger:        logger.OrNop(log),
	}
}

// Observe returns the visibility signal for el
func (g *Gate) Observe(el outbound.Element, opts Options) *Signal {
	sig := newSignal()

	if opts.Priority || opts.SkipLazy {
		sig.latch()
		return sig
	}

	if g.observer == nil || !g.observer.Supported() {
		g.logger.Debug("Intersection observation unavailable, loading eagerly")
		sig.latch()
		return sig
	}

	margin := opts.RootMargin
	if margin <= 0 {
		margin = g.defaultMargin
	}

	unobserve, err := g.observer.Observe(el, margin, func(entry outbound.IntersectionEntry) {
		if entry.IsIntersecting {
			sig.latch()
		}
	})
	if err != nil {
		g.logger.Warn("Intersection observation failed, loading eagerly", zap.Error(err))
		sig.latch()
		return sig
	}

	sig.setUnobserve(unobserve)
	return sig
}

// Signal is a Pending to InView latch. It never moves back to Pending.
type Signal struct {
	mu        sync.Mutex
	inView    bool
	stopped   bool
	done      chan struct{}
	unobserve func()
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// InView reports whether the element has been considered visible
func (s *Signal) InView() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inView
}

// Done is closed on the transition to InView
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the element is in view or ctx ends
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop detaches the observer without changing state, for slots that unmount
// while still pending
func (s *Signal) Stop() {
	s.mu.Lock()
	s.stopped = true
	unobserve := s.unobserve
	s.unobserve = nil
	s.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
}

func (s *Signal) latch() {
	s.mu.Lock()
	if s.inView || s.stopped {
		s.mu.Unlock()
		return
	}
	s.inView = true
	close(s.done)
	unobserve := s.unobserve
	s.unobserve = nil
	s.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
}

// setUnobserve records the detach function. Observers may deliver the first
// intersection before Observe returns, in which case detach happens here.
func (s *Signal) setUnobserve(unobserve func()) {
	if unobserve == nil {
		return
	}

	s.mu.Lock()
	if s.inView || s.stopped {
		s.mu.Unlock()
		unobserve()
		return
	}
	s.unobserve = unobserve
	s.mu.Unlock()
}
