package hints

import (
	"errors"

	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
)

// MultiSink inserts every hint into all of its sinks, or into none
type MultiSink []outbound.HintSink

// Insert writes hint to each sink in order. If one fails the hints already
// written are removed and the error is returned.
func (m MultiSink) Insert(hint imaging.Hint) (outbound.HintHandle, error) {
	handles := make(multiHandle, 0, len(m))
	for _, sink := range m {
		handle, err := sink.Insert(hint)
		if err != nil {
			return nil, errors.Join(err, handles.Remove())
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

type multiHandle []outbound.HintHandle

// Remove removes the hint from every sink
func (h multiHandle) Remove() error {
	var errs []error
	for _, handle := range h {
		if err := handle.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
