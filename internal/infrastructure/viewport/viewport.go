// Package viewport provides a geometric intersection observer over a
// scrollable viewport.
package viewport

import (
	"errors"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
)

// ErrUnsupported is returned by observers that cannot watch elements
var ErrUnsupported = errors.New("intersection observation not supported")

// Box is a fixed element box
type Box outbound.Rect

// Bounds implements outbound.Element
func (b Box) Bounds() outbound.Rect {
	return outbound.Rect(b)
}

// Viewport tracks a visible window over the document and notifies observers
// when elements enter or leave it
type Viewport struct {
	mu        sync.Mutex
	width     float64
	height    float64
	scrollX   float64
	scrollY   float64
	nextID    uint64
	observers map[uint64]*observation
}

type observation struct {
	target   outbound.Element
	margin   float64
	callback func(outbound.IntersectionEntry)
	visible  bool
}

type delivery struct {
	callback func(outbound.IntersectionEntry)
	entry    outbound.IntersectionEntry
}

// New creates a viewport of the given size scrolled to the top
func New(width, height float64) *Viewport {
	return &Viewport{
		width:     width,
		height:    height,
		observers: make(map[uint64]*observation),
	}
}

// Supported implements outbound.IntersectionObserver
func (v *Viewport) Supported() bool {
	return true
}

// Observe starts watching target. The current state is delivered right away.
func (v *Viewport) Observe(target outbound.Element, rootMargin int, callback func(outbound.IntersectionEntry)) (func(), error) {
	if target == nil || callback == nil {
		return nil, errors.New("target and callback are required")
	}

	v.mu.Lock()
	v.nextID++
	id := v.nextID
	obs := &observation{target: target, margin: float64(rootMargin), callback: callback}
	obs.visible = v.intersects(obs)
	v.observers[id] = obs
	entry := outbound.IntersectionEntry{Target: target, IsIntersecting: obs.visible}
	v.mu.Unlock()

	callback(entry)

	var once sync.Once
	unobserve := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.observers, id)
			v.mu.Unlock()
		})
	}
	return unobserve, nil
}

// ScrollTo moves the viewport origin
func (v *Viewport) ScrollTo(x, y float64) {
	v.mu.Lock()
	v.scrollX, v.scrollY = x, y
	pending := v.evaluate()
	v.mu.Unlock()

	deliver(pending)
}

// Resize changes the viewport dimensions
func (v *Viewport) Resize(width, height float64) {
	v.mu.Lock()
	v.width, v.height = width, height
	pending := v.evaluate()
	v.mu.Unlock()

	deliver(pending)
}

// Refresh re-evaluates every observation, for targets whose layout moved
func (v *Viewport) Refresh() {
	v.mu.Lock()
	pending := v.evaluate()
	v.mu.Unlock()

	deliver(pending)
}

// Observed returns the number of active observations
func (v *Viewport) Observed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.observers)
}

func (v *Viewport) evaluate() []delivery {
	var pending []delivery
	for _, obs := range v.observers {
		visible := v.intersects(obs)
		if visible == obs.visible {
			continue
		}
		obs.visible = visible
		pending = append(pending, delivery{
			callback: obs.callback,
			entry:    outbound.IntersectionEntry{Target: obs.target, IsIntersecting: visible},
		})
	}
	return pending
}

// intersects tests the target box against the viewport grown by the margin on
// every side. Touching edges count as intersecting.
func (v *Viewport) intersects(obs *observation) bool {
	box := obs.target.Bounds()

	top := v.scrollY - obs.margin
	bottom := v.scrollY + v.height + obs.margin
	left := v.scrollX - obs.margin
	right := v.scrollX + v.width + obs.margin

	return box.Top <= bottom && box.Top+box.Height >= top &&
		box.Left <= right && box.Left+box.Width >= left
}

func deliver(pending []delivery) {
	for _, d := range pending {
		d.callback(d.entry)
	}
}

// Unsupported is an observer for runtimes without intersection support
type Unsupported struct{}

// Supported implements outbound.IntersectionObserver
func (Unsupported) Supported() bool {
	return false
}

// Observe implements outbound.IntersectionObserver
func (Unsupported) Observe(outbound.Element, int, func(outbound.IntersectionEntry)) (func(), error) {
	return nil, ErrUnsupported
}
