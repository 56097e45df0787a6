// Package hints provides hint sinks: an in-memory document head and an
// HTTP Link response header.
package hints

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
)

// ErrDetached is returned when inserting into a closed document
var ErrDetached = errors.New("document head is detached")

var headEndRegex = regexp.MustCompile(`(?i)</head>`)

// Document is an ordered set of link elements in a document head
type Document struct {
	mu      sync.Mutex
	nextID  uint64
	entries []docEntry
	closed  bool
}

type docEntry struct {
	id   uint64
	hint imaging.Hint
}

// NewDocument creates an empty head
func NewDocument() *Document {
	return &Document{}
}

// Insert appends a link element
func (d *Document) Insert(hint imaging.Hint) (outbound.HintHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDetached
	}

	d.nextID++
	d.entries = append(d.entries, docEntry{id: d.nextID, hint: hint})
	return &docHandle{doc: d, id: d.nextID}, nil
}

// Close detaches the head; later inserts fail
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// Hints returns the current link elements in insertion order
func (d *Document) Hints() []imaging.Hint {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]imaging.Hint, len(d.entries))
	for i, entry := range d.entries {
		out[i] = entry.hint
	}
	return out
}

// Len returns the number of link elements
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Render returns the link elements as HTML, one per line
func (d *Document) Render() string {
	var b strings.Builder
	for _, hint := range d.Hints() {
		b.WriteString("    ")
		b.WriteString(hint.HTML())
		b.WriteString("\n")
	}
	return b.String()
}

// InjectInto inserts the rendered links before the closing head tag of html.
// Documents without a head are returned unchanged.
func (d *Document) InjectInto(html string) string {
	links := d.Render()
	if links == "" {
		return html
	}

	loc := headEndRegex.FindStringIndex(html)
	if loc == nil {
		return html
	}
	return html[:loc[0]] + links + html[loc[0]:]
}

func (d *Document) remove(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, entry := range d.entries {
		if entry.id == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return true
		}
	}
	return false
}

type docHandle struct {
	doc *Document
	id  uint64
}

// Remove deletes the link element if it is still attached
func (h *docHandle) Remove() error {
	h.doc.remove(h.id)
	return nil
}
