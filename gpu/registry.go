package gpu

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultBackend is used when Open is called with an empty name.
const DefaultBackend = "vulkan"

// Options configures driver creation.
type Options struct {
	// Logger receives driver and session diagnostics. Nil uses the logrus
	// standard logger.
	Logger logrus.FieldLogger
	// DeviceIndex selects among enumerated physical devices. Negative picks
	// the backend's preferred device.
	DeviceIndex int
	// Validation enables backend validation layers where available.
	Validation bool
	// Kernel is the host kernel executed by emulating backends.
	Kernel KernelFunc
	// MemoryTypes overrides the memory type table of emulating backends.
	MemoryTypes []MemoryType
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

// Factory creates a driver for a registered backend.
type Factory func(opts Options) (Driver, error)

var (
	backendMu sync.RWMutex
	backends  = map[string]Factory{}
)

// Register makes a backend available to Open. Passing a nil factory removes
// the backend.
func Register(name string, f Factory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if f == nil {
		delete(backends, name)
		return
	}
	backends[name] = f
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Factory, bool) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}

// Open creates a driver through the named backend and wraps it in a Session.
func Open(name string, opts Options) (*Session, error) {
	if name == "" {
		name = DefaultBackend
	}
	f, ok := lookup(name)
	if !ok {
		return nil, errorf(RuntimeDeviceError, "open", "backend %q is not registered (have %v)", name, Backends())
	}
	drv, err := f(opts)
	if err != nil {
		return nil, newError(RuntimeDeviceError, "open "+name, err)
	}
	return NewSession(drv, opts.logger()), nil
}
