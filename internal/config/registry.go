package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio/playback"
)

// ErrBackendNotRegistered is returned by [Registry.CreateDevices] when no
// factory is registered for the configured backend.
var ErrBackendNotRegistered = errors.New("config: device backend not registered")

// Devices is the audio hardware of one backend. Microphone satisfies
// capture.CallbackDevice or capture.BlockingDevice and may be reopened after
// Close. OpenSpeaker opens a fresh output each time a playback pipeline is
// built, since the pipeline closes its sink on teardown. Close releases the
// backend after every device is closed.
type Devices struct {
	Microphone  any
	OpenSpeaker func() (playback.Sink, error)
	Close       func() error
}

// DeviceFactory opens the devices of one backend.
type DeviceFactory func(AudioConfig) (*Devices, error)

// Registry maps device backend names to factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[DeviceBackend]DeviceFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[DeviceBackend]DeviceFactory)}
}

// RegisterDevices registers factory under name, replacing any previous one.
func (r *Registry) RegisterDevices(name DeviceBackend, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateDevices opens the devices for cfg.Backend.
func (r *Registry) CreateDevices(cfg AudioConfig) (*Devices, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	d, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: open %s devices: %w", cfg.Backend, err)
	}
	return d, nil
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []DeviceBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]DeviceBackend, 0, len(r.devices))
	for n := range r.devices {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
