package imaging

import "errors"

// Domain errors for image delivery

var (
	// Descriptor validation errors
	ErrEmptySource      = errors.New("image source is required")
	ErrInvalidSource    = errors.New("image source is not a valid URL")
	ErrNegativeSize     = errors.New("image dimensions must not be negative")
	ErrUnknownQuality   = errors.New("unknown quality tier")
	ErrUnknownFormat    = errors.New("unknown format preference")
	ErrUnsupportedProbe = errors.New("capability probing is unsupported")

	// Load errors
	ErrNetwork = errors.New("image could not be fetched")
	ErrDecode  = errors.New("image data could not be decoded")
)
