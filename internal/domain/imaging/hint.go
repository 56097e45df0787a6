package imaging

import (
	"fmt"
	"html"
	"strings"
)

// Resource hint relations
const (
	RelPreload     = "preload"
	RelPrefetch    = "prefetch"
	RelDNSPrefetch = "dns-prefetch"
	RelPreconnect  = "preconnect"
)

// Fetch priorities
const (
	FetchPriorityHigh = "high"
	FetchPriorityAuto = "auto"
)

// Hint represents a resource loading directive
type Hint struct {
	Rel           string `json:"rel"`
	Href          string `json:"href"`
	As            string `json:"as,omitempty"`
	FetchPriority string `json:"fetchpriority,omitempty"`
	Type          string `json:"type,omitempty"`
	CrossOrigin   string `json:"crossorigin,omitempty"`
}

// HTML renders the hint as a link element
func (h Hint) HTML() string {
	var b strings.Builder
	fmt.Fprintf(&b, `<link rel="%s" href="%s"`, h.Rel, html.EscapeString(h.Href))
	if h.As != "" {
		fmt.Fprintf(&b, ` as="%s"`, h.As)
	}
	if h.FetchPriority != "" {
		fmt.Fprintf(&b, ` fetchpriority="%s"`, h.FetchPriority)
	}
	if h.Type != "" {
		fmt.Fprintf(&b, ` type="%s"`, h.Type)
	}
	if h.CrossOrigin != "" {
		fmt.Fprintf(&b, ` crossorigin="%s"`, h.CrossOrigin)
	}
	b.WriteString(">")
	return b.String()
}

// LinkHeader renders the hint as an HTTP Link header value
func (h Hint) LinkHeader() string {
	parts := []string{fmt.Sprintf("<%s>", h.Href), "rel=" + h.Rel}
	if h.As != "" {
		parts = append(parts, "as="+h.As)
	}
	if h.FetchPriority != "" {
		parts = append(parts, "fetchpriority="+h.FetchPriority)
	}
	if h.Type != "" {
		parts = append(parts, fmt.Sprintf("type=%q", h.Type))
	}
	if h.CrossOrigin != "" {
		parts = append(parts, "crossorigin="+h.CrossOrigin)
	}
	return strings.Join(parts, "; ")
}
