package ml

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pdevine/tensor"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
)

var ErrDeviceUnavailable = errors.New("device unavailable")

// Backend moves tensor storage onto the device it serves.
type Backend interface {
	Transfer(*tensor.Dense) (*tensor.Dense, error)
}

type cpuBackend struct{}

func (cpuBackend) Transfer(d *tensor.Dense) (*tensor.Dense, error) {
	if d.IsView() {
		return tensor.Materialize(d).(*tensor.Dense), nil
	}

	return d.Clone().(*tensor.Dense), nil
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{CPU: cpuBackend{}}
)

func RegisterBackend(name string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = b
}

// Devices lists the registered device names.
func Devices() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// deviceKind strips an ordinal, so "cuda:1" resolves to the "cuda" backend.
func deviceKind(device string) string {
	kind, _, _ := strings.Cut(device, ":")
	return kind
}

// To returns a copy of t placed on device.
func (t *Tensor) To(device string) (*Tensor, error) {
	backendsMu.RLock()
	b, ok := backends[deviceKind(device)]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, device)
	}

	d, err := b.Transfer(t.d)
	if err != nil {
		return nil, fmt.Errorf("transfer to %s: %w", device, err)
	}

	return newTensor(d, device), nil
}
