// Package midiio defines the LocalMidiBackend collaborator (spec.md §6):
// the thin boundary to whatever real MIDI I/O library a given platform
// uses. This package only ships the interface and a no-op implementation;
// a real backend (CoreMIDI, ALSA, RtMidi bindings, ...) is wired in by the
// host process.
package midiio

import "meshnode/internal/wire"

// DeviceDescriptor describes one local device as enumerated by the backend.
type DeviceDescriptor struct {
	DeviceID  wire.DeviceID
	Name      string
	Direction wire.Direction
}

// Backend is the boundary between the mesh core and real MIDI hardware.
// Implementations must not block the goroutine that calls OnMidiIn; doing
// so would stall whatever backend-owned I/O thread is delivering input
// (spec.md §6).
type Backend interface {
	// Enumerate lists every local device the backend currently exposes.
	Enumerate() ([]DeviceDescriptor, error)

	// Send writes bytes to a local output device.
	Send(device wire.DeviceID, bytes []byte) error

	// SetOnMidiIn registers the callback invoked for every inbound event
	// from a local input device. Must be called once, before Enumerate is
	// relied upon to drive registration.
	SetOnMidiIn(func(device wire.DeviceID, bytes []byte))
}

// NullBackend enumerates no devices and discards every send. It keeps
// meshnode buildable and runnable without a platform-specific MIDI library,
// and is the default in tests and in cmd/meshnode when no real backend is
// configured (spec.md §1: "local MIDI device I/O... specified only as an
// interface").
type NullBackend struct {
	onMidiIn func(wire.DeviceID, []byte)
}

func NewNullBackend() *NullBackend { return &NullBackend{} }

func (b *NullBackend) Enumerate() ([]DeviceDescriptor, error) { return nil, nil }

func (b *NullBackend) Send(wire.DeviceID, []byte) error { return nil }

func (b *NullBackend) SetOnMidiIn(fn func(wire.DeviceID, []byte)) { b.onMidiIn = fn }

// InjectForTest lets tests simulate inbound MIDI without a real backend.
func (b *NullBackend) InjectForTest(device wire.DeviceID, bytes []byte) {
	if b.onMidiIn != nil {
		b.onMidiIn(device, bytes)
	}
}
