package imaging

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Descriptor is the per-request configuration an image slot builds on every render
type Descriptor struct {
	Source     string  `json:"src"`
	Identifier string  `json:"id,omitempty"`
	Priority   bool    `json:"priority,omitempty"`
	Preload    bool    `json:"preload,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Quality    Quality `json:"quality,omitempty"`
	Format     Format  `json:"format,omitempty"`
	SkipLazy   bool    `json:"skip_lazy,omitempty"`
}

// Validate validates the descriptor
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Source) == "" {
		return ErrEmptySource
	}
	if _, err := url.Parse(d.Source); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if d.Width < 0 || d.Height < 0 {
		return ErrNegativeSize
	}
	if !d.Quality.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQuality, d.Quality)
	}
	if !d.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, d.Format)
	}
	return nil
}

// WithDefaults fills empty quality and format
func (d Descriptor) WithDefaults() Descriptor {
	if d.Quality == "" {
		d.Quality = QualityHigh
	}
	if d.Format == "" {
		d.Format = FormatAuto
	}
	return d
}

// Eager reports whether the slot must load regardless of viewport state
func (d Descriptor) Eager() bool {
	return d.Priority || d.SkipLazy
}

// Key returns the identity used for hint deduplication
func (d Descriptor) Key() string {
	return d.Source
}

// Resolved is a descriptor after format and quality negotiation
type Resolved struct {
	Source  string  `json:"src"`
	URL     string  `json:"url"`
	Width   int     `json:"width,omitempty"`
	Quality Quality `json:"quality"`
	Format  Format  `json:"format"`
}

// VariantURL appends request shaping hints to src. The origin serves the
// image unmodified when it ignores them.
func VariantURL(src string, width int, format Format, quality Quality) string {
	parsed, err := url.Parse(src)
	if err != nil {
		return src
	}

	query := parsed.Query()
	if width > 0 {
		query.Set("w", strconv.Itoa(width))
	}
	if format != "" && format != FormatAuto {
		query.Set("fm", string(format))
	}
	if quality != "" {
		query.Set("q", strconv.Itoa(quality.Value()))
	}

	parsed.RawQuery = query.Encode()
	return parsed.String()
}
