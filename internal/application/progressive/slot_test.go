package progressive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumenstudio/imagepipe/internal/application/detector"
	"github.com/lumenstudio/imagepipe/internal/application/visibility"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/clienthints"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/viewport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeImages struct {
	mu      sync.Mutex
	calls   []string
	started map[string]time.Time
	fail    map[string]error
	block   map[string]chan struct{}
}

func newFakeImages() *fakeImages {
	return &fakeImages{
		started: make(map[string]time.Time),
		fail:    make(map[string]error),
		block:   make(map[string]chan struct{}),
	}
}

func (f *fakeImages) Load(ctx context.Context, url string) error {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.started[url] = time.Now()
	block := f.block[url]
	err := f.fail[url]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeImages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeImages) startedAt(url string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.started[url]
	return at, ok
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []imaging.Stage
	urls   []string
	loaded int
	errs   []imaging.Stage
}

func (r *stageRecorder) options() SlotOptions {
	return SlotOptions{
		OnStage: func(stage imaging.Stage, url string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stages = append(r.stages, stage)
			r.urls = append(r.urls, url)
		},
		OnLoaded: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.loaded++
		},
		OnError: func(stage imaging.Stage, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, stage)
		},
	}
}

func (r *stageRecorder) snapshot() ([]imaging.Stage, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]imaging.Stage(nil), r.stages...), r.loaded
}

func newTestLoader(images *fakeImages, cfg Config) *Loader {
	det := detector.New(&clienthints.Static{}, detector.DefaultPolicy(), zap.NewNop(), nil)
	return NewLoader(images, det, cfg, zap.NewNop(), nil)
}

func fastConfig() Config {
	return Config{
		ThumbnailWidth: 64,
		MediumWidth:    640,
		MediumDelay:    20 * time.Millisecond,
		FullDelay:      200 * time.Millisecond,
	}
}

func waitDone(t *testing.T, slot *Slot) {
	t.Helper()
	select {
	case <-slot.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slot did not finish loading")
	}
}

func assertNonDecreasing(t *testing.T, stages []imaging.Stage) {
	t.Helper()
	for i := 1; i < len(stages); i++ {
		assert.Greater(t, stages[i], stages[i-1], "stage sequence %v", stages)
	}
}

func TestLoader_Plan(t *testing.T) {
	loader := newTestLoader(newFakeImages(), fastConfig())

	plan := loader.Plan(imaging.Descriptor{Source: "/img/room.jpg", Width: 1600})

	assert.Equal(t, "/img/room.jpg?fm=jpeg&q=60&w=64", plan.Thumbnail)
	assert.Equal(t, "/img/room.jpg?fm=jpeg&q=75&w=640", plan.Medium)
	assert.Equal(t, "/img/room.jpg?fm=jpeg&q=85&w=1600", plan.Full)
	assert.Equal(t, "", plan.URL(imaging.StageLoading))
}

func TestSlot_StaggeredProgression(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())
	rec := &stageRecorder{}

	slot := loader.NewSlot(imaging.Descriptor{Source: "/img/room.jpg", Width: 1600}, rec.options())
	assert.Equal(t, imaging.StageLoading, slot.Stage())
	assert.Equal(t, 20, slot.Blur())

	begun := time.Now()
	slot.Begin(context.Background())
	waitDone(t, slot)

	stages, loaded := rec.snapshot()
	assert.Equal(t, []imaging.Stage{imaging.StageThumbnail, imaging.StageMedium, imaging.StageFull}, stages)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, imaging.StageFull, slot.Stage())
	assert.Equal(t, 0, slot.Blur())
	assert.Equal(t, slot.Plan().Full, slot.URL())

	plan := slot.Plan()
	mediumAt, ok := images.startedAt(plan.Medium)
	require.True(t, ok)
	assert.GreaterOrEqual(t, mediumAt.Sub(begun), fastConfig().MediumDelay)

	fullAt, ok := images.startedAt(plan.Full)
	require.True(t, ok)
	assert.False(t, fullAt.Before(mediumAt), "full starts after medium completes")
}

func TestSlot_EagerLoadsConcurrently(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, Config{MediumDelay: time.Hour, FullDelay: time.Hour})
	rec := &stageRecorder{}

	desc := imaging.Descriptor{Source: "/img/hero.jpg", Priority: true, Width: 1600}
	plan := loader.Plan(desc)
	release := make(chan struct{})
	images.block[plan.Thumbnail] = release

	slot := loader.NewSlot(desc, rec.options())
	slot.Begin(context.Background())

	require.Eventually(t, func() bool {
		return slot.Stage() == imaging.StageFull
	}, time.Second, 5*time.Millisecond, "full resolves while thumbnail is still in flight")

	close(release)
	waitDone(t, slot)

	stages, loaded := rec.snapshot()
	assertNonDecreasing(t, stages)
	assert.Equal(t, imaging.StageFull, stages[len(stages)-1])
	assert.Equal(t, 1, loaded)
	assert.Equal(t, imaging.StageFull, slot.Stage(), "late thumbnail does not regress the stage")
	assert.Equal(t, 3, images.callCount())
}

func TestSlot_StageFailureDoesNotBlockLaterStages(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())
	rec := &stageRecorder{}

	desc := imaging.Descriptor{Source: "/img/room.jpg", Width: 1600}
	images.fail[loader.Plan(desc).Medium] = imaging.ErrDecode

	slot := loader.NewSlot(desc, rec.options())
	slot.Begin(context.Background())
	waitDone(t, slot)

	stages, loaded := rec.snapshot()
	assert.Equal(t, []imaging.Stage{imaging.StageThumbnail, imaging.StageFull}, stages)
	assert.Equal(t, 1, loaded)
	assert.False(t, slot.Failed())
	assert.Equal(t, []imaging.Stage{imaging.StageMedium}, rec.errs)
}

func TestSlot_FullFailure(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())
	rec := &stageRecorder{}

	desc := imaging.Descriptor{Source: "/img/missing.jpg", Width: 1600}
	images.fail[loader.Plan(desc).Full] = imaging.ErrNetwork

	slot := loader.NewSlot(desc, rec.options())
	slot.Begin(context.Background())
	waitDone(t, slot)

	stages, loaded := rec.snapshot()
	assert.Equal(t, []imaging.Stage{imaging.StageThumbnail, imaging.StageMedium}, stages)
	assert.Equal(t, 0, loaded, "loaded fires only at full")
	assert.True(t, slot.Failed())
	assert.True(t, errors.Is(slot.Err(), imaging.ErrNetwork))
}

func TestSlot_BeginIsIdempotent(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())

	slot := loader.NewSlot(imaging.Descriptor{Source: "/img/a.jpg", Priority: true}, SlotOptions{})
	slot.Begin(context.Background())
	slot.Begin(context.Background())
	waitDone(t, slot)

	assert.Equal(t, 3, images.callCount())
}

func TestSlot_SourceChangeDiscardsStaleCompletions(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())
	rec := &stageRecorder{}

	oldDesc := imaging.Descriptor{Source: "/img/old.jpg", Priority: true}
	oldPlan := loader.Plan(oldDesc)
	release := make(chan struct{})
	for _, url := range []string{oldPlan.Thumbnail, oldPlan.Medium, oldPlan.Full} {
		images.block[url] = release
	}

	slot := loader.NewSlot(oldDesc, rec.options())
	slot.Begin(context.Background())
	oldDone := slot.Done()

	require.Eventually(t, func() bool { return images.callCount() == 3 }, time.Second, 5*time.Millisecond)

	slot.SetSource(imaging.Descriptor{Source: "/img/new.jpg", Priority: true})
	assert.Equal(t, imaging.StageLoading, slot.Stage())
	assert.Equal(t, "/img/new.jpg", slot.Source())

	close(release)
	select {
	case <-oldDone:
	case <-time.After(2 * time.Second):
		t.Fatal("old generation did not finish")
	}

	stages, loaded := rec.snapshot()
	assert.Empty(t, stages)
	assert.Equal(t, 0, loaded)
	assert.Equal(t, imaging.StageLoading, slot.Stage())

	slot.Begin(context.Background())
	waitDone(t, slot)

	stages, loaded = rec.snapshot()
	assertNonDecreasing(t, stages)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, slot.Plan().Full, slot.URL())
}

func TestSlot_SameSourceIsNotAReset(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())

	slot := loader.NewSlot(imaging.Descriptor{Source: "/img/a.jpg", Priority: true}, SlotOptions{})
	slot.Begin(context.Background())
	waitDone(t, slot)

	slot.SetSource(imaging.Descriptor{Source: "/img/a.jpg", Priority: true})
	assert.Equal(t, imaging.StageFull, slot.Stage())
}

func TestSlot_CloseDiscardsInFlight(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())
	rec := &stageRecorder{}

	desc := imaging.Descriptor{Source: "/img/a.jpg", Priority: true}
	plan := loader.Plan(desc)
	release := make(chan struct{})
	images.block[plan.Full] = release

	slot := loader.NewSlot(desc, rec.options())
	slot.Begin(context.Background())
	require.Eventually(t, func() bool { return slot.Stage() == imaging.StageMedium }, time.Second, 5*time.Millisecond)

	slot.Close()
	close(release)
	slot.Begin(context.Background())

	time.Sleep(20 * time.Millisecond)
	_, loaded := rec.snapshot()
	assert.Equal(t, 0, loaded)
	assert.Equal(t, imaging.StageLoading, slot.Stage())
}

func TestSlot_BeginWhenVisible(t *testing.T) {
	images := newFakeImages()
	loader := newTestLoader(images, fastConfig())

	vp := viewport.New(1024, 768)
	gate := visibility.NewGate(vp, 200, zap.NewNop())
	box := viewport.Box{Top: 4000, Width: 400, Height: 300}

	slot := loader.NewSlot(imaging.Descriptor{Source: "/img/gallery.jpg"}, SlotOptions{})
	slot.BeginWhen(context.Background(), gate.Observe(box, visibility.Options{}))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, images.callCount(), "pending slot does not load")

	vp.ScrollTo(0, 3500)
	waitDone(t, slot)
	assert.Equal(t, imaging.StageFull, slot.Stage())
}
