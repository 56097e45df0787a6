package clienthints

import (
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
)

// Static answers every probe with fixed values
type Static struct {
	Formats    map[imaging.Format]bool
	Network    outbound.NetworkInfo
	FormatErr  error
	NetworkErr error

	Probes int
}

// ProbeFormat implements outbound.CapabilityProvider
func (s *Static) ProbeFormat(format imaging.Format) (bool, error) {
	s.Probes++
	if s.FormatErr != nil {
		return false, s.FormatErr
	}
	return s.Formats[format], nil
}

// NetworkInfo implements outbound.CapabilityProvider
func (s *Static) NetworkInfo() (outbound.NetworkInfo, error) {
	if s.NetworkErr != nil {
		return outbound.NetworkInfo{}, s.NetworkErr
	}
	return s.Network, nil
}

// SlowNetwork is a data-saver client without modern formats
func SlowNetwork() *Static {
	return &Static{
		Formats: map[imaging.Format]bool{},
		Network: outbound.NetworkInfo{SaveData: true},
	}
}

// FastNetwork is a 4g client decoding AVIF and WebP
func FastNetwork() *Static {
	return &Static{
		Formats: map[imaging.Format]bool{imaging.FormatAVIF: true, imaging.FormatWebP: true},
		Network: outbound.NetworkInfo{EffectiveType: "4g", DownlinkMbps: 10, HasDownlink: true},
	}
}
