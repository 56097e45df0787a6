package hints

import (
	"net/http"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
)

// HeaderSink writes hints as Link header values. Removal only has an effect
// before the header is flushed to the client.
type HeaderSink struct {
	mu     sync.Mutex
	header http.Header
}

// NewHeaderSink writes into header
func NewHeaderSink(header http.Header) *HeaderSink {
	return &HeaderSink{header: header}
}

// Insert adds a Link header value
func (s *HeaderSink) Insert(hint imaging.Hint) (outbound.HintHandle, error) {
	value := hint.LinkHeader()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.Add("Link", value)

	return &headerHandle{sink: s, value: value}, nil
}

type headerHandle struct {
	sink  *HeaderSink
	value string
	once  sync.Once
}

// Remove drops one matching Link value
func (h *headerHandle) Remove() error {
	h.once.Do(func() {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()

		values := h.sink.header.Values("Link")
		kept := make([]string, 0, len(values))
		removed := false
		for _, v := range values {
			if !removed && v == h.value {
				removed = true
				continue
			}
			kept = append(kept, v)
		}

		h.sink.header.Del("Link")
		for _, v := range kept {
			h.sink.header.Add("Link", v)
		}
	})
	return nil
}
