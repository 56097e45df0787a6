package outbound

// Rect is an element box in document coordinates
type Rect struct {
	Top    float64
	Left   float64
	Width  float64
	Height float64
}

// Element is anything with a layout box
type Element interface {
	Bounds() Rect
}

// IntersectionEntry is delivered when an observed element's intersection state changes
type IntersectionEntry struct {
	Target         Element
	IsIntersecting bool
}

// IntersectionObserver watches elements against the viewport expanded by rootMargin pixels
type IntersectionObserver interface {
	Supported() bool
	Observe(target Element, rootMargin int, callback func(IntersectionEntry)) (unobserve func(), err error)
}
