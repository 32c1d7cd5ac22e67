// Package gpu is the numerical backend the evaluator runs its forward pass
// on. Backends are registered by name, like database/sql drivers; the cpu
// backend is always present and serves as the fallback.
//
// A Backend is not safe for concurrent use. The evaluator owns it and
// serializes every call through its batching goroutine.
package gpu

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrShape             = errors.New("matrix shape mismatch")
	ErrReleased          = errors.New("backend released")
)

// Activation is the nonlinearity applied after an affine layer.
type Activation int

const (
	Identity Activation = iota
	Tanh
)

func (a Activation) String() string {
	switch a {
	case Identity:
		return "identity"
	case Tanh:
		return "tanh"
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// Matrix is a device-resident row-major matrix.
type Matrix interface {
	Rows() int
	Cols() int
}

// Backend performs dense layer arithmetic on some device.
type Backend interface {
	// Name is the registered driver name.
	Name() string
	// Describe returns a one-line description of the device.
	Describe() string
	// Upload copies a rows×cols row-major matrix to the device.
	Upload(rows, cols int, data []float32) (Matrix, error)
	// Affine computes dst[r] = act(w · src[r] + bias) for each of the batch
	// rows. src holds batch rows of w.Cols() values, dst batch rows of
	// w.Rows() values. Each row is computed independently of the others, so a
	// row's result does not depend on what else is in the batch.
	Affine(dst, src []float32, batch int, w, bias Matrix, act Activation) error
	// Release frees device memory. The backend is unusable afterwards.
	Release() error
}

// Options select a device for drivers that have more than one.
type Options struct {
	Platform int
	Device   int
}

// Driver opens backends.
type Driver interface {
	Open(opts Options) (Backend, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available under name. It panics if name is
// already registered or d is nil.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("gpu: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("gpu: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the backend registered under name.
func Open(name string, opts Options) (Backend, error) {
	driversMu.RLock()
	d, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, name, Drivers())
	}
	b, err := d.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	return b, nil
}

// OpenWithFallback opens name, falling back to the cpu backend when the
// requested one cannot be opened. With strict set, any failure is returned
// instead.
func OpenWithFallback(name string, opts Options, strict bool, log zerolog.Logger) (Backend, error) {
	if name == "" {
		name = CPUName
	}
	b, err := Open(name, opts)
	if err == nil {
		log.Info().Str("backend", b.Name()).Str("device", b.Describe()).Msg("evaluation backend ready")
		return b, nil
	}
	if strict || name == CPUName {
		return nil, err
	}
	log.Warn().Err(err).Str("requested", name).Msg("falling back to cpu backend")
	b, cerr := Open(CPUName, opts)
	if cerr != nil {
		return nil, errors.Join(err, cerr)
	}
	log.Info().Str("backend", b.Name()).Str("device", b.Describe()).Msg("evaluation backend ready")
	return b, nil
}
