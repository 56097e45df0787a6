package imaging

import "fmt"

// Value Objects - request shaping vocabulary shared by every pipeline stage

// Quality is the requested encoder quality tier
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Value returns the encoder quality hint sent with the request
func (q Quality) Value() int {
	switch q {
	case QualityLow:
		return 60
	case QualityMedium:
		return 75
	default:
		return 85
	}
}

// Downgrade returns the next lower tier; low stays low
func (q Quality) Downgrade() Quality {
	switch q {
	case QualityHigh:
		return QualityMedium
	default:
		return QualityLow
	}
}

// Valid reports whether q is a known tier or empty (defaulted)
func (q Quality) Valid() bool {
	switch q {
	case "", QualityLow, QualityMedium, QualityHigh:
		return true
	}
	return false
}

// Format is an image encoding preference
type Format string

const (
	FormatAuto Format = "auto"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
	FormatJPEG Format = "jpeg"
)

// MimeType returns the MIME type of the encoding, empty for auto
func (f Format) MimeType() string {
	switch f {
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	case FormatJPEG:
		return "image/jpeg"
	}
	return ""
}

// Modern reports whether f needs capability detection before use
func (f Format) Modern() bool {
	return f == FormatWebP || f == FormatAVIF
}

// Valid reports whether f is a known preference or empty (defaulted)
func (f Format) Valid() bool {
	switch f {
	case "", FormatAuto, FormatWebP, FormatAVIF, FormatJPEG:
		return true
	}
	return false
}

// ConnectionQuality is the coarse network classification
type ConnectionQuality string

const (
	ConnectionUnknown ConnectionQuality = "unknown"
	ConnectionSlow    ConnectionQuality = "slow"
	ConnectionMedium  ConnectionQuality = "medium"
	ConnectionFast    ConnectionQuality = "fast"
)

// Stage is a progressive resolution tier. Stages are ordered.
type Stage int

const (
	StageLoading Stage = iota
	StageThumbnail
	StageMedium
	StageFull
)

// String implements fmt.Stringer
func (s Stage) String() string {
	switch s {
	case StageLoading:
		return "loading"
	case StageThumbnail:
		return "thumbnail"
	case StageMedium:
		return "medium"
	case StageFull:
		return "full"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Blur returns the blur radius in pixels applied while displaying s
func (s Stage) Blur() int {
	switch s {
	case StageLoading:
		return 20
	case StageThumbnail:
		return 10
	case StageMedium:
		return 5
	}
	return 0
}
