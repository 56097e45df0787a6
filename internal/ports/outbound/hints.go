package outbound

import "github.com/lumenstudio/imagepipe/internal/domain/imaging"

// HintHandle removes an inserted hint. Removing twice is a no-op.
type HintHandle interface {
	Remove() error
}

// HintSink receives resource hints, e.g. a document head or a response header
type HintSink interface {
	Insert(hint imaging.Hint) (HintHandle, error)
}
