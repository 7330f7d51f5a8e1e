// Package backend selects the graphics device a renderer runs on.
//
// Device packages register themselves from init:
//
//	import _ "github.com/gogpu/framecore/backend/native"
//
// and callers open them by name:
//
//	dev, err := backend.Open("vulkan")
package backend

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/framecore/gpucore"
)

// ErrNotAvailable is returned when no registered backend could be opened.
var ErrNotAvailable = errors.New("backend: not available")

// Device is a gpucore.Device that owns its native resources.
type Device interface {
	gpucore.Device

	// Close destroys the native device. The GPU must be idle.
	Close() error
}

// Factory opens a device.
type Factory func() (Device, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)

	// Priority order for Default (first that opens wins).
	priority = []string{"vulkan", "noop"}
)

// Register registers a factory under name, replacing any previous one.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a factory. Useful in tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open opens the backend registered under name.
func Open(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrNotAvailable, name, Available())
	}
	return factory()
}

// Default opens the first backend in priority order that succeeds, then
// any other registered backend.
func Default() (Device, error) {
	var errs []error
	tried := make(map[string]bool)
	for _, name := range append(slices.Clone(priority), Available()...) {
		if tried[name] {
			continue
		}
		tried[name] = true
		registryMu.RLock()
		factory, ok := factories[name]
		registryMu.RUnlock()
		if !ok {
			continue
		}
		dev, err := factory()
		if err == nil {
			return dev, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, errors.Join(append([]error{ErrNotAvailable}, errs...)...)
}
