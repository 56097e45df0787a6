package progressive

import (
	"context"
	"sync"
	"time"

	"github.com/lumenstudio/imagepipe/internal/application/visibility"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SlotOptions carries the slot's callbacks and loading strategy
type SlotOptions struct {
	// Eager loads all stages at once even without the priority flag.
	Eager bool
	// OnStage is called for every stage the slot advances to, in order.
	OnStage func(stage imaging.Stage, url string)
	// OnLoaded is called once per source when the full stage is reached.
	OnLoaded func()
	// OnError is called for each stage that fails to load.
	OnError func(stage imaging.Stage, err error)
}

// Slot is the progressive state of one image slot
type Slot struct {
	loader *Loader
	opts   SlotOptions

	// notify serializes transitions with their callbacks so observers see
	// stages in the order they were applied.
	notify sync.Mutex

	mu          sync.Mutex
	desc        imaging.Descriptor
	plan        Plan
	generation  uint64
	stage       imaging.Stage
	url         string
	started     bool
	loadedFired bool
	fullErr     error
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool
}

// NewSlot creates a slot for desc in the loading stage
func (l *Loader) NewSlot(desc imaging.Descriptor, opts SlotOptions) *Slot {
	desc = desc.WithDefaults()
	return &Slot{
		loader: l,
		opts:   opts,
		desc:   desc,
		plan:   l.Plan(desc),
		done:   make(chan struct{}),
	}
}

// Stage returns the current stage
func (s *Slot) Stage() imaging.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// URL returns the variant currently displayed, empty while loading
func (s *Slot) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Blur returns the blur radius for the current stage
func (s *Slot) Blur() int {
	return s.Stage().Blur()
}

// Source returns the current source URL
func (s *Slot) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.Source
}

// Plan returns the variant URLs for the current source
func (s *Slot) Plan() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Failed reports whether the full variant failed for the current source
func (s *Slot) Failed() bool {
	return s.Err() != nil
}

// Err returns the full variant's load error for the current source
func (s *Slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullErr
}

// Done is closed once every stage of the current source has been attempted
func (s *Slot) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Begin starts loading the current source. Later calls for the same source
// do nothing.
func (s *Slot) Begin(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	generation := s.generation
	plan := s.plan
	eager := s.desc.Eager() || s.opts.Eager
	done := s.done
	s.mu.Unlock()

	go func() {
		defer cancel()
		defer close(done)

		if eager {
			s.loadConcurrently(ctx, generation, plan)
		} else {
			s.loadStaggered(ctx, generation, plan)
		}
	}()
}

// BeginWhen starts loading once sig reports the slot in view
func (s *Slot) BeginWhen(ctx context.Context, sig *visibility.Signal) {
	if sig == nil || sig.InView() {
		s.Begin(ctx)
		return
	}

	go func() {
		if err := sig.Wait(ctx); err != nil {
			return
		}
		s.Begin(ctx)
	}()
}

// SetSource switches the slot to a new source and resets it to loading.
// Completions still in flight for the previous source are discarded. Begin
// must be called again to load the new source.
func (s *Slot) SetSource(desc imaging.Descriptor) {
	desc = desc.WithDefaults()
	plan := s.loader.Plan(desc)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || desc.Source == s.desc.Source {
		return
	}

	s.resetLocked()
	s.desc = desc
	s.plan = plan
}

// Close discards the slot. In-flight loads finish without effect.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.resetLocked()
	s.closed = true
}

func (s *Slot) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.stage = imaging.StageLoading
	s.url = ""
	s.started = false
	s.loadedFired = false
	s.fullErr = nil
	s.done = make(chan struct{})
}

func (s *Slot) loadConcurrently(ctx context.Context, generation uint64, plan Plan) {
	var g errgroup.Group
	for _, stage := range []imaging.Stage{imaging.StageThumbnail, imaging.StageMedium, imaging.StageFull} {
		stage := stage
		g.Go(func() error {
			s.load(ctx, generation, stage, plan.URL(stage))
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Slot) loadStaggered(ctx context.Context, generation uint64, plan Plan) {
	cfg := s.loader.config
	mediumDone := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		s.load(ctx, generation, imaging.StageThumbnail, plan.Thumbnail)
		return nil
	})
	g.Go(func() error {
		defer close(mediumDone)
		if !sleep(ctx, cfg.MediumDelay) {
			return nil
		}
		s.load(ctx, generation, imaging.StageMedium, plan.Medium)
		return nil
	})
	g.Go(func() error {
		timer := time.NewTimer(cfg.MediumDelay + cfg.FullDelay)
		defer timer.Stop()

		select {
		case <-mediumDone:
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}
		s.load(ctx, generation, imaging.StageFull, plan.Full)
		return nil
	})
	_ = g.Wait()
}

func (s *Slot) load(ctx context.Context, generation uint64, stage imaging.Stage, url string) {
	err := s.loader.images.Load(ctx, url)

	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		s.loader.logger.Debug("Discarding stale stage completion",
			zap.String("stage", stage.String()),
			zap.String("url", url),
		)
		return
	}

	if err != nil {
		if stage == imaging.StageFull {
			s.fullErr = err
		}
		s.mu.Unlock()

		s.loader.logger.Debug("Stage load failed",
			zap.String("stage", stage.String()),
			zap.String("url", url),
			zap.Error(err),
		)
		if s.opts.OnError != nil {
			s.opts.OnError(stage, err)
		}
		return
	}

	if stage <= s.stage {
		s.mu.Unlock()
		return
	}
	s.stage = stage
	s.url = url

	fireLoaded := false
	if stage == imaging.StageFull && !s.loadedFired {
		s.loadedFired = true
		fireLoaded = true
	}
	s.mu.Unlock()

	s.loader.metrics.StageReached(stage.String())
	if s.opts.OnStage != nil {
		s.opts.OnStage(stage, url)
	}
	if fireLoaded && s.opts.OnLoaded != nil {
		s.opts.OnLoaded()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
