// Package clienthints implements capability probing from the request headers
// a browser sends (Accept, Save-Data and the network client hints).
package clienthints

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
)

// Client hint headers
const (
	HeaderSaveData = "Save-Data"
	HeaderECT      = "ECT"
	HeaderDownlink = "Downlink"
	HeaderAccept   = "Accept"
)

// AcceptCH is the Accept-CH value that asks browsers to send the network hints
const AcceptCH = "ECT, Downlink, Save-Data"

// RequestProvider answers capability probes for the client that sent a request
type RequestProvider struct {
	header http.Header
}

// FromRequest creates a provider bound to r's headers
func FromRequest(r *http.Request) *RequestProvider {
	return &RequestProvider{header: r.Header}
}

// ProbeFormat reports whether the client advertised format in Accept
func (p *RequestProvider) ProbeFormat(format imaging.Format) (bool, error) {
	mime := format.MimeType()
	if mime == "" {
		return false, fmt.Errorf("%w: format %q", imaging.ErrUnsupportedProbe, format)
	}

	for _, value := range p.header.Values(HeaderAccept) {
		for _, part := range strings.Split(value, ",") {
			mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
			if strings.EqualFold(mediaType, mime) {
				return true, nil
			}
		}
	}
	return false, nil
}

// NetworkInfo reads the Save-Data, ECT and Downlink hints
func (p *RequestProvider) NetworkInfo() (outbound.NetworkInfo, error) {
	info := outbound.NetworkInfo{
		SaveData:      strings.EqualFold(strings.TrimSpace(p.header.Get(HeaderSaveData)), "on"),
		EffectiveType: strings.TrimSpace(p.header.Get(HeaderECT)),
	}

	if raw := strings.TrimSpace(p.header.Get(HeaderDownlink)); raw != "" {
		downlink, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return info, fmt.Errorf("invalid %s header %q: %w", HeaderDownlink, raw, err)
		}
		info.DownlinkMbps = downlink
		info.HasDownlink = true
	}

	return info, nil
}
