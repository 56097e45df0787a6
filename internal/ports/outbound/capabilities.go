// Package outbound defines the ports the image pipeline depends on.
// Infrastructure adapters implement them; tests substitute fakes.
package outbound

import "github.com/lumenstudio/imagepipe/internal/domain/imaging"

// NetworkInfo is the raw network signal exposed by the runtime
type NetworkInfo struct {
	SaveData      bool
	EffectiveType string
	DownlinkMbps  float64
	HasDownlink   bool
}

// CapabilityProvider probes the runtime that will decode and fetch images
type CapabilityProvider interface {
	ProbeFormat(format imaging.Format) (bool, error)
	NetworkInfo() (NetworkInfo, error)
}
