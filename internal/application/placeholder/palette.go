// Package placeholder maps image identifiers to solid placeholder colors
// painted before the first image bytes arrive.
package placeholder

// DefaultColor is painted for identifiers without a palette entry
const DefaultColor = "#f0f0f0"

// Palette is an immutable identifier to color table
type Palette struct {
	colors   map[string]string
	fallback string
}

// NewPalette copies colors into a palette. An empty fallback uses DefaultColor.
func NewPalette(colors map[string]string, fallback string) *Palette {
	if fallback == "" {
		fallback = DefaultColor
	}
	copied := make(map[string]string, len(colors))
	for id, color := range colors {
		copied[id] = color
	}
	return &Palette{colors: copied, fallback: fallback}
}

// ColorFor returns the placeholder color for identifier
func (p *Palette) ColorFor(identifier string) string {
	if color, ok := p.colors[identifier]; ok {
		return color
	}
	return p.fallback
}

// Len returns the number of palette entries
func (p *Palette) Len() int {
	return len(p.colors)
}
