package bench

import (
	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/logging"
	"github.com/openfluke/fieldbench/metrics"
	"github.com/sirupsen/logrus"
)

type options struct {
	backend     string
	threads     int
	deviceIndex int
	validation  bool
	memoryTypes []gpu.MemoryType
	log         logrus.FieldLogger
	metrics     *metrics.Recorder
}

func defaultOptions() options {
	return options{
		backend:     gpu.DefaultBackend,
		deviceIndex: -1,
	}
}

// Option configures a run.
type Option func(*options)

// WithBackend selects the registered GPU backend by name.
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

// WithThreads sets the worker count of the host pool; 0 uses every CPU.
func WithThreads(n int) Option {
	return func(o *options) { o.threads = n }
}

// WithDeviceIndex picks a physical device; negative lets the backend choose.
func WithDeviceIndex(i int) Option {
	return func(o *options) { o.deviceIndex = i }
}

// WithValidation enables backend validation layers.
func WithValidation(on bool) Option {
	return func(o *options) { o.validation = on }
}

// WithMemoryTypes overrides the memory table of emulated devices.
func WithMemoryTypes(types []gpu.MemoryType) Option {
	return func(o *options) { o.memoryTypes = types }
}

// WithLogger routes harness and device logs to l.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records timings and verdicts into r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) { o.metrics = r }
}

func collect(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logging.Component("bench")
	}
	if o.backend == "" {
		o.backend = gpu.DefaultBackend
	}
	return o
}

func (o options) gpuOptions() gpu.Options {
	return gpu.Options{
		Logger:      o.log,
		DeviceIndex: o.deviceIndex,
		Validation:  o.validation,
		Kernel:      fieldKernel,
		MemoryTypes: o.memoryTypes,
	}
}
