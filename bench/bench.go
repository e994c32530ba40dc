// Package bench runs the field workload on the host pool and on a GPU
// backend with identical inputs, times both and checks that the results are
// bit-identical.
package bench

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfluke/fieldbench/field"
	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/metrics"
	"github.com/openfluke/fieldbench/pool"
	"github.com/sirupsen/logrus"
)

// Seed values written to every limb of the input vectors.
const (
	SeedA = 1
	SeedB = 2
)

// Layout is the binding list the compute shader expects for n points.
func Layout(n int) gpu.MemoryLayout {
	vec := uint64(n) * field.ElementSize
	return gpu.MemoryLayout{
		Buffers: []gpu.BufferSpec{
			field.BindingResult: {Name: "R", Type: gpu.Storage, Size: vec, Direction: gpu.Download},
			field.BindingA:      {Name: "A", Type: gpu.Storage, Size: vec, Direction: gpu.Upload},
			field.BindingB:      {Name: "B", Type: gpu.Storage, Size: vec, Direction: gpu.Upload},
			field.BindingParams: {Name: "Params", Type: gpu.Uniform, Size: field.ParamsSize, Direction: gpu.Upload},
		},
		Groups: uint32(n / field.WorkgroupSize),
	}
}

type harness struct {
	opts    options
	log     logrus.FieldLogger
	rep     *Report
	shader  string
	points  int
	iters   int
	workers *pool.Pool

	a, b   field.Vector
	single field.Vector
	host   field.Vector
	device field.Vector
}

// Run executes one benchmark. points and iters are clamped first. The
// returned report is never nil; err is the cause of a FAILED run.
func Run(shaderPath string, points, iters int, opts ...Option) (rep *Report, err error) {
	o := collect(opts)
	h := &harness{
		opts:   o,
		shader: shaderPath,
		points: ClampPoints(int64(points)),
		iters:  ClampIters(int64(iters)),
	}
	h.log = o.log.WithFields(logrus.Fields{
		"backend": o.backend,
		"points":  h.points,
		"iters":   h.iters,
	})
	h.rep = &Report{
		State:       StateInit,
		Backend:     o.backend,
		Points:      h.points,
		Iters:       h.iters,
		ElementSize: field.ElementSize,
		VectorSize:  h.points,
		Mismatch:    -1,
	}
	rep = h.rep

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
			h.fail(err)
		}
		if h.workers != nil {
			h.workers.Close()
		}
		if o.metrics != nil {
			o.metrics.ObserveRun(rep.State.String())
		}
	}()

	for _, stage := range []struct {
		state State
		run   func() error
	}{
		{StateInit, h.init},
		{StateCPURun, h.cpuRun},
		{StateGPURun, h.gpuRun},
		{StateVerify, h.verify},
		{StateReport, h.report},
	} {
		h.enter(stage.state)
		if err = stage.run(); err != nil {
			h.fail(err)
			return rep, err
		}
	}
	return rep, nil
}

func (h *harness) enter(s State) {
	h.rep.State = s
	h.log.WithField("stage", s).Debug("entering stage")
}

func (h *harness) fail(err error) {
	h.log.WithField("stage", h.rep.State).WithError(err).Error("benchmark failed")
	h.rep.State = StateFailed
	h.rep.Failure = describe(err)
	h.rep.printf("Failed: %s\n", h.rep.Failure)
}

func (h *harness) init() error {
	n := h.points
	h.a = field.NewVector(n)
	h.b = field.NewVector(n)
	h.single = field.NewVector(n)
	h.host = field.NewVector(n)
	h.device = field.NewVector(n)
	h.a.Fill(SeedA)
	h.b.Fill(SeedB)

	h.workers = pool.New(h.opts.threads)
	h.rep.Threads = h.workers.Threads()
	h.rep.Host = pool.DetectHost()
	if m := h.opts.metrics; m != nil {
		m.ObserveWorkload(h.points, h.iters)
	}
	return nil
}

func (h *harness) cpuRun() error {
	iters := uint64(h.iters)
	h.rep.printf("threads: %d\n", h.workers.Threads())

	start := time.Now()
	field.ComputeRange(h.single, h.a, h.b, iters, 0, h.points)
	single := time.Since(start)
	h.rep.SingleMS = single.Milliseconds()
	h.rep.printf("Single execution time: %d ms\n", h.rep.SingleMS)

	start = time.Now()
	err := h.workers.ParallelFor(0, h.points, func(begin, end, _ int) {
		field.ComputeRange(h.host, h.a, h.b, iters, begin, end)
	})
	if err != nil {
		return err
	}
	parallel := time.Since(start)
	h.rep.ParallelMS = parallel.Milliseconds()
	h.rep.printf("Parallel execution time: %d ms\n", h.rep.ParallelMS)

	eq, _ := field.Equal(h.single, h.host)
	h.rep.CPUEqual = eq
	h.rep.printf("CPU eq: %t\n", eq)

	h.log.WithFields(logrus.Fields{
		"stage":    StateCPURun,
		"single":   single,
		"parallel": parallel,
		"threads":  h.workers.Threads(),
	}).Info("host runs finished")
	if m := h.opts.metrics; m != nil {
		m.ObservePhase(metrics.PhaseSingle, "host", single)
		m.ObservePhase(metrics.PhaseParallel, "host", parallel)
		m.ObserveVerdict("cpu", eq)
	}
	return nil
}

func (h *harness) gpuRun() error {
	s, err := gpu.Open(h.opts.backend, h.opts.gpuOptions())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoDevice, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			h.log.WithError(err).Warn("closing gpu session failed")
		}
	}()

	layout := Layout(h.points)
	p, err := gpu.NewPipeline(s, h.shader, layout)
	if err != nil {
		return err
	}
	defer p.Close()

	params := field.DefaultParams(uint64(h.iters))
	data := make([][]byte, field.BindingCount)
	data[field.BindingResult] = h.device.Bytes()
	data[field.BindingA] = h.a.Bytes()
	data[field.BindingB] = h.b.Bytes()
	data[field.BindingParams] = params.Encode()

	start := time.Now()
	if err := p.Run(data); err != nil {
		return err
	}
	elapsed := time.Since(start)

	h.rep.ShaderSize = p.ShaderSize()
	h.rep.Device = p.DebugInfo()
	for _, spec := range layout.Buffers {
		h.rep.Buffers = append(h.rep.Buffers, BufferSize{Name: spec.Name, Bytes: spec.Size})
	}
	h.rep.printf("%s", h.rep.Device)
	if !strings.HasSuffix(h.rep.Device, "\n") {
		h.rep.printf("\n")
	}
	h.rep.GPUMS = elapsed.Milliseconds()
	h.rep.printf("GPU execution time: %d ms\n", h.rep.GPUMS)

	h.log.WithFields(logrus.Fields{
		"stage":   StateGPURun,
		"elapsed": elapsed,
		"device":  s.Info().Name,
	}).Info("device run finished")
	if m := h.opts.metrics; m != nil {
		m.ObservePhase(metrics.PhaseGPU, h.opts.backend, elapsed)
	}
	return nil
}

func (h *harness) verify() error {
	eq, idx := field.Equal(h.host, h.device)
	h.rep.GPUEqual = eq
	h.rep.Mismatch = idx
	h.rep.printf("Vulkan eq: %t\n", eq)
	if !eq {
		h.log.WithFields(logrus.Fields{
			"index": idx,
			"host":  h.host[idx].String(),
			"gpu":   h.device[idx].String(),
		}).Warn("device result differs from host")
	}
	if m := h.opts.metrics; m != nil {
		m.ObserveVerdict("gpu", eq)
	}
	return nil
}

func (h *harness) report() error {
	last := h.points - 1
	h.rep.A0 = h.a[0].String()
	h.rep.B0 = h.b[0].String()
	h.rep.R0 = h.device[0].String()
	h.rep.RM = h.device[last].String()

	h.rep.printf("ElementSize: %d\n", field.ElementSize)
	h.rep.printf("VectorSize: %d\n", h.points)
	sizes := make([]string, len(h.rep.Buffers))
	for i, b := range h.rep.Buffers {
		sizes[i] = fmt.Sprintf("%s=%d", b.Name, b.Bytes)
	}
	h.rep.printf("BufferSizes: %s\n", strings.Join(sizes, " "))
	h.rep.printf("ShaderSize: %d\n", h.rep.ShaderSize)
	h.rep.printf("a[0]: %s\n", h.rep.A0)
	h.rep.printf("b[0]: %s\n", h.rep.B0)
	h.rep.printf("r[0]: %s\n", h.rep.R0)
	h.rep.printf("r[M]: %s\n", h.rep.RM)

	h.log.WithFields(logrus.Fields{
		"stage":  StateReport,
		"cpu_eq": h.rep.CPUEqual,
		"gpu_eq": h.rep.GPUEqual,
	}).Info("benchmark complete")
	return nil
}
