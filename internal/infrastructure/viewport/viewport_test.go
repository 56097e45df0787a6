package viewport

import (
	"sync"
	"testing"

	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	entries []bool
}

func (r *recorder) record(entry outbound.IntersectionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry.IsIntersecting)
}

func (r *recorder) states() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.entries...)
}

func TestViewport_ObserveDeliversInitialState(t *testing.T) {
	vp := New(1024, 768)

	visible := &recorder{}
	hidden := &recorder{}

	_, err := vp.Observe(Box{Top: 100, Width: 300, Height: 200}, 0, visible.record)
	require.NoError(t, err)
	_, err = vp.Observe(Box{Top: 3000, Width: 300, Height: 200}, 0, hidden.record)
	require.NoError(t, err)

	assert.Equal(t, []bool{true}, visible.states())
	assert.Equal(t, []bool{false}, hidden.states())
}

func TestViewport_RootMarginExpandsViewport(t *testing.T) {
	vp := New(1024, 768)
	box := Box{Top: 800, Width: 300, Height: 200}

	without := &recorder{}
	with := &recorder{}
	_, err := vp.Observe(box, 0, without.record)
	require.NoError(t, err)
	_, err = vp.Observe(box, 50, with.record)
	require.NoError(t, err)

	assert.Equal(t, []bool{false}, without.states())
	assert.Equal(t, []bool{true}, with.states())
}

func TestViewport_ScrollDeliversTransitions(t *testing.T) {
	vp := New(1024, 768)
	rec := &recorder{}

	_, err := vp.Observe(Box{Top: 2000, Width: 300, Height: 200}, 0, rec.record)
	require.NoError(t, err)

	vp.ScrollTo(0, 500)
	vp.ScrollTo(0, 1500)
	vp.ScrollTo(0, 1600)
	vp.ScrollTo(0, 0)

	assert.Equal(t, []bool{false, true, false}, rec.states())
}

func TestViewport_Resize(t *testing.T) {
	vp := New(320, 480)
	rec := &recorder{}

	_, err := vp.Observe(Box{Top: 600, Width: 100, Height: 100}, 0, rec.record)
	require.NoError(t, err)

	vp.Resize(1024, 768)
	assert.Equal(t, []bool{false, true}, rec.states())
}

func TestViewport_Unobserve(t *testing.T) {
	vp := New(1024, 768)
	rec := &recorder{}

	unobserve, err := vp.Observe(Box{Top: 2000, Width: 300, Height: 200}, 0, rec.record)
	require.NoError(t, err)
	assert.Equal(t, 1, vp.Observed())

	unobserve()
	unobserve()
	assert.Equal(t, 0, vp.Observed())

	vp.ScrollTo(0, 1800)
	assert.Equal(t, []bool{false}, rec.states())
}

func TestViewport_CallbackMayUnobserve(t *testing.T) {
	vp := New(1024, 768)

	var unobserve func()
	calls := 0
	unobserve, err := vp.Observe(Box{Top: 2000, Width: 300, Height: 200}, 0, func(entry outbound.IntersectionEntry) {
		calls++
		if entry.IsIntersecting {
			unobserve()
		}
	})
	require.NoError(t, err)

	vp.ScrollTo(0, 1800)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, vp.Observed())
}

func TestUnsupported(t *testing.T) {
	var obs outbound.IntersectionObserver = Unsupported{}

	assert.False(t, obs.Supported())
	_, err := obs.Observe(Box{}, 0, func(outbound.IntersectionEntry) {})
	assert.ErrorIs(t, err, ErrUnsupported)
}
