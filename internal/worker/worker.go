package worker

import (
	"context"
	"io"
	"os"
	"time"
)

// Worker is a controllable device-under-test backend.
type Worker interface {
	// Setup prepares the backend. Must be called before any other operation.
	Setup(ctx context.Context) error

	// Teardown releases every resource held by the backend. sig is the
	// signal that triggered the teardown, or nil for an orderly shutdown.
	Teardown(ctx context.Context, sig os.Signal) error

	// PowerOn switches the DUT on.
	PowerOn(ctx context.Context) error

	// PowerOff switches the DUT off.
	PowerOff(ctx context.Context) error

	// Flash writes the OS image read from r to the DUT's boot media.
	// The DUT is powered off first. onProgress may be nil.
	Flash(ctx context.Context, r io.Reader, onProgress ProgressFunc) error

	// Network applies cfg to the DUT's network.
	Network(ctx context.Context, cfg NetworkConfig) error
}

// Phase identifies which pass of the imaging pipeline a progress event belongs to.
type Phase string

const (
	PhaseFlashing  Phase = "flashing"
	PhaseVerifying Phase = "verifying"
)

// Progress is a single imaging progress event.
type Progress struct {
	Type       Phase   `json:"type"`
	Percentage float64 `json:"percentage"`
	Position   uint64  `json:"position"`
	Bytes      uint64  `json:"bytes"`
	Size       uint64  `json:"size,omitempty"`
	// Speed in bytes per second.
	Speed float64       `json:"speed"`
	ETA   time.Duration `json:"eta"`

	ActiveDestinations int `json:"activeDestinations"`
	FailedDestinations int `json:"failedDestinations"`
}

// ProgressFunc receives progress events during a single Flash call.
type ProgressFunc func(Progress)

// Emit calls f with p if f is non-nil.
func (f ProgressFunc) Emit(p Progress) {
	if f != nil {
		f(p)
	}
}

// NetworkConfig describes the network a DUT should be attached to.
// A nil leg means that leg is not configured.
type NetworkConfig struct {
	Wired    *WiredConfig    `json:"wired,omitempty" yaml:"wired,omitempty"`
	Wireless *WirelessConfig `json:"wireless,omitempty" yaml:"wireless,omitempty"`
}

// WiredConfig configures the wired leg.
type WiredConfig struct {
	NAT bool `json:"nat" yaml:"nat"`
}

// WirelessConfig configures the wireless leg.
type WirelessConfig struct {
	SSID string `json:"ssid" yaml:"ssid"`
	PSK  string `json:"psk" yaml:"psk"`
	NAT  bool   `json:"nat" yaml:"nat"`
}
