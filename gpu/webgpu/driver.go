// Package webgpu runs the gpu driver interface on wgpu-native. WebGPU has no
// explicit memory objects, so device-local memory becomes a wgpu buffer at
// bind time and host-visible memory is a plain byte slice that the queue
// writes from and reads back into.
package webgpu

import (
	"strings"
	"sync"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Name is the backend name used with gpu.Open.
const Name = "webgpu"

// Alignment reported for every buffer; copies and clears work in 4-byte
// units.
const Alignment = 256

const (
	typeDevice uint32 = iota
	typeHost
)

var memoryTypes = []gpu.MemoryType{
	{Properties: gpu.MemoryDeviceLocal, HeapIndex: 0},
	{Properties: gpu.MemoryHostVisible | gpu.MemoryHostCoherent, HeapIndex: 1},
}

func init() {
	gpu.Register(Name, func(opts gpu.Options) (gpu.Driver, error) {
		return New(opts)
	})
}

type buffer struct {
	size  uint64
	usage gpu.BufferUsage
	mem   *memory
	wb    *wgpu.Buffer
}

type memory struct {
	size      uint64
	typeIndex uint32
	host      []byte
	bound     *buffer
}

type setLayout struct {
	types []gpu.DescriptorType
	bgl   *wgpu.BindGroupLayout
}

type pipelineLayout struct {
	set *setLayout
	pl  *wgpu.PipelineLayout
}

type descriptorSet struct {
	pool   gpu.Handle
	layout *setLayout
	bg     *wgpu.BindGroup
	err    error
}

// Driver is a wgpu device with its queue.
type Driver struct {
	log      logrus.FieldLogger
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     gpu.DeviceInfo
	limits   wgpu.SupportedLimits
	features []string

	mu       sync.Mutex
	next     gpu.Handle
	buffers  map[gpu.Handle]*buffer
	memory   map[gpu.Handle]*memory
	modules  map[gpu.Handle]*wgpu.ShaderModule
	layouts  map[gpu.Handle]*setLayout
	plLayout map[gpu.Handle]*pipelineLayout
	pipes    map[gpu.Handle]*wgpu.ComputePipeline
	pools    map[gpu.Handle]struct{}
	sets     map[gpu.Handle]*descriptorSet
	closed   bool
}

// New opens an adapter and a device on it. A non-negative
// opts.DeviceIndex selects from the enumerated adapters; otherwise an
// NVIDIA adapter is preferred, then high-performance, low-power and the
// default request in that order.
func New(opts gpu.Options) (*Driver, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("backend", Name)

	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, errors.New("webgpu: failed to create instance")
	}
	d := &Driver{
		log:      log,
		instance: inst,
		buffers:  map[gpu.Handle]*buffer{},
		memory:   map[gpu.Handle]*memory{},
		modules:  map[gpu.Handle]*wgpu.ShaderModule{},
		layouts:  map[gpu.Handle]*setLayout{},
		plLayout: map[gpu.Handle]*pipelineLayout{},
		pipes:    map[gpu.Handle]*wgpu.ComputePipeline{},
		pools:    map[gpu.Handle]struct{}{},
		sets:     map[gpu.Handle]*descriptorSet{},
	}
	adapter, err := d.pickAdapter(opts.DeviceIndex)
	if err != nil {
		inst.Release()
		return nil, err
	}
	d.adapter = adapter

	ai := adapter.GetInfo()
	d.info = gpu.DeviceInfo{
		Backend:  Name,
		Name:     strings.TrimSpace(ai.Name),
		Type:     ai.AdapterType.String(),
		VendorID: uint32(ai.VendorId),
		DeviceID: uint32(ai.DeviceId),
		API:      "WebGPU (" + ai.BackendType.String() + ")",
		Driver:   strings.TrimSpace(ai.DriverDescription),
	}
	d.limits = adapter.GetLimits()
	for _, f := range adapter.EnumerateFeatures() {
		d.features = append(d.features, f.String())
	}

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{})
	if err != nil {
		adapter.Release()
		inst.Release()
		return nil, errors.Wrap(err, "webgpu: request device")
	}
	d.device = device
	d.queue = device.GetQueue()
	log.WithFields(logrus.Fields{"device": d.info.Name, "type": d.info.Type, "api": d.info.API}).Info("webgpu device ready")
	return d, nil
}

func (d *Driver) pickAdapter(index int) (*wgpu.Adapter, error) {
	adapters := d.instance.EnumerateAdapters(nil)
	for i, a := range adapters {
		info := a.GetInfo()
		d.log.WithFields(logrus.Fields{
			"index":  i,
			"name":   info.Name,
			"vendor": info.VendorName,
			"type":   info.AdapterType.String(),
		}).Debug("adapter found")
	}
	if index >= 0 {
		if index >= len(adapters) {
			return nil, errors.Errorf("webgpu: adapter index %d out of range (%d adapters)", index, len(adapters))
		}
		return adapters[index], nil
	}
	for _, a := range adapters {
		info := a.GetInfo()
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			d.log.WithField("name", info.Name).Debug("selecting nvidia adapter")
			return a, nil
		}
	}

	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		a, err := d.instance.RequestAdapter(opts)
		if err == nil && a != nil {
			return a, nil
		}
		if err != nil {
			lastErr = err
			d.log.WithError(err).Debug("adapter request failed, falling back")
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no adapter")
	}
	return nil, errors.Wrap(lastErr, "webgpu: all adapter requests failed")
}

// Limits returns the adapter limits captured when the device was opened.
func (d *Driver) Limits() wgpu.SupportedLimits { return d.limits }

// Features lists the adapter feature names.
func (d *Driver) Features() []string { return append([]string(nil), d.features...) }

func (d *Driver) Info() gpu.DeviceInfo { return d.info }

func (d *Driver) MemoryProperties() ([]gpu.MemoryType, []gpu.MemoryHeap) {
	size := d.limits.Limits.MaxBufferSize
	heaps := []gpu.MemoryHeap{
		{Size: size, DeviceLocal: true},
		{Size: size},
	}
	return append([]gpu.MemoryType(nil), memoryTypes...), heaps
}

func (d *Driver) handle() gpu.Handle {
	d.next++
	return d.next
}

func (d *Driver) CreateBuffer(size uint64, usage gpu.BufferUsage) (gpu.Handle, gpu.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size == 0 {
		return 0, gpu.MemoryRequirements{}, errors.New("webgpu: zero-sized buffer")
	}
	h := d.handle()
	d.buffers[h] = &buffer{size: size, usage: usage}
	req := gpu.MemoryRequirements{
		Size:      (size + 3) &^ 3,
		Alignment: Alignment,
		TypeBits:  1<<typeDevice | 1<<typeHost,
	}
	if usage&(gpu.UsageStorage|gpu.UsageUniform) != 0 {
		req.TypeBits = 1 << typeDevice
	}
	return h, req, nil
}

func (d *Driver) DestroyBuffer(buf gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[buf]
	if !ok {
		return
	}
	if b.wb != nil {
		b.wb.Release()
	}
	if b.mem != nil {
		b.mem.bound = nil
	}
	delete(d.buffers, buf)
}

func (d *Driver) AllocateMemory(size uint64, typeIndex uint32) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(typeIndex) >= len(memoryTypes) {
		return 0, errors.Errorf("webgpu: memory type %d out of range", typeIndex)
	}
	if size == 0 {
		return 0, errors.New("webgpu: zero-sized allocation")
	}
	if max := d.limits.Limits.MaxBufferSize; max != 0 && size > max {
		return 0, errors.Errorf("webgpu: %d bytes exceeds max buffer size %d", size, max)
	}
	m := &memory{size: size, typeIndex: typeIndex}
	if typeIndex == typeHost {
		m.host = make([]byte, size)
	}
	h := d.handle()
	d.memory[h] = m
	return h, nil
}

func (d *Driver) FreeMemory(mem gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.memory, mem)
}

// BindBufferMemory creates the wgpu buffer for device memory. Host memory
// stays a byte slice.
func (d *Driver) BindBufferMemory(buf, mem gpu.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[buf]
	if !ok {
		return errors.Errorf("webgpu: unknown buffer %d", buf)
	}
	m, ok := d.memory[mem]
	if !ok {
		return errors.Errorf("webgpu: unknown memory %d", mem)
	}
	if b.mem != nil || m.bound != nil {
		return errors.New("webgpu: buffer or memory already bound")
	}
	if m.size < b.size {
		return errors.Errorf("webgpu: memory of %d bytes cannot back buffer of %d bytes", m.size, b.size)
	}
	if m.typeIndex == typeDevice {
		wb, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "fieldbench",
			Size:  (b.size + 3) &^ 3,
			Usage: wgpuUsage(b.usage),
		})
		if err != nil {
			return errors.Wrap(err, "webgpu: create buffer")
		}
		b.wb = wb
	} else if b.usage&(gpu.UsageStorage|gpu.UsageUniform) != 0 {
		return errors.New("webgpu: shader-visible buffers need device memory")
	}
	b.mem = m
	m.bound = b
	return nil
}

func wgpuUsage(u gpu.BufferUsage) wgpu.BufferUsage {
	out := wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	if u&gpu.UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&gpu.UsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	return out
}

func (d *Driver) hostMemory(mem gpu.Handle) (*memory, error) {
	m, ok := d.memory[mem]
	if !ok {
		return nil, errors.Errorf("webgpu: unknown memory %d", mem)
	}
	if m.typeIndex != typeHost {
		return nil, errors.New("webgpu: memory is not host visible")
	}
	return m, nil
}

func (d *Driver) MapMemory(mem gpu.Handle, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.hostMemory(mem)
	if err != nil {
		return nil, err
	}
	if size > m.size {
		return nil, errors.Errorf("webgpu: map of %d bytes exceeds allocation of %d", size, m.size)
	}
	return m.host[:size:size], nil
}

func (d *Driver) UnmapMemory(gpu.Handle) {}

// FlushMemory and InvalidateMemory have nothing to do: host memory is
// coherent.
func (d *Driver) FlushMemory(mem gpu.Handle, _ uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.hostMemory(mem)
	return err
}

func (d *Driver) InvalidateMemory(mem gpu.Handle, size uint64) error {
	return d.FlushMemory(mem, size)
}

// CreateShaderModule accepts SPIR-V binaries and WGSL source text.
func (d *Driver) CreateShaderModule(code []byte) (gpu.Handle, error) {
	desc := &wgpu.ShaderModuleDescriptor{Label: "fieldbench"}
	if gpu.IsSPIRV(code) {
		desc.SPIRVDescriptor = &wgpu.ShaderModuleSPIRVDescriptor{Code: code}
	} else {
		desc.WGSLDescriptor = &wgpu.ShaderModuleWGSLDescriptor{Code: string(code)}
	}
	mod, err := d.device.CreateShaderModule(desc)
	if err != nil {
		return 0, errors.Wrap(err, "webgpu: create shader module")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle()
	d.modules[h] = mod
	return h, nil
}

func (d *Driver) DestroyShaderModule(module gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.modules[module]; ok {
		m.Release()
		delete(d.modules, module)
	}
}

func (d *Driver) CreateDescriptorSetLayout(bindings []gpu.DescriptorType) (gpu.Handle, error) {
	entries := make([]wgpu.BindGroupLayoutEntry, len(bindings))
	for i, t := range bindings {
		kind := wgpu.BufferBindingTypeStorage
		if t == gpu.DescriptorUniformBuffer {
			kind = wgpu.BufferBindingTypeUniform
		}
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: kind},
		}
	}
	bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   "fieldbench",
		Entries: entries,
	})
	if err != nil {
		return 0, errors.Wrap(err, "webgpu: create bind group layout")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle()
	d.layouts[h] = &setLayout{types: append([]gpu.DescriptorType(nil), bindings...), bgl: bgl}
	return h, nil
}

func (d *Driver) DestroyDescriptorSetLayout(layout gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.layouts[layout]; ok {
		l.bgl.Release()
		delete(d.layouts, layout)
	}
}

func (d *Driver) CreatePipelineLayout(setLayout gpu.Handle) (gpu.Handle, error) {
	d.mu.Lock()
	sl, ok := d.layouts[setLayout]
	d.mu.Unlock()
	if !ok {
		return 0, errors.Errorf("webgpu: unknown descriptor set layout %d", setLayout)
	}
	pl, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "fieldbench",
		BindGroupLayouts: []*wgpu.BindGroupLayout{sl.bgl},
	})
	if err != nil {
		return 0, errors.Wrap(err, "webgpu: create pipeline layout")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle()
	d.plLayout[h] = &pipelineLayout{set: sl, pl: pl}
	return h, nil
}

func (d *Driver) DestroyPipelineLayout(layout gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.plLayout[layout]; ok {
		l.pl.Release()
		delete(d.plLayout, layout)
	}
}

func (d *Driver) CreateComputePipeline(layout, module gpu.Handle, entryPoint string) (gpu.Handle, error) {
	d.mu.Lock()
	pl, okL := d.plLayout[layout]
	mod, okM := d.modules[module]
	d.mu.Unlock()
	if !okL || !okM {
		return 0, errors.New("webgpu: unknown pipeline layout or shader module")
	}
	p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "fieldbench",
		Layout: pl.pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     mod,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		return 0, errors.Wrap(err, "webgpu: create compute pipeline")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle()
	d.pipes[h] = p
	return h, nil
}

func (d *Driver) DestroyPipeline(p gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cp, ok := d.pipes[p]; ok {
		cp.Release()
		delete(d.pipes, p)
	}
}

// Descriptor pools are bookkeeping only; bind groups are created when a
// set is written.
func (d *Driver) CreateDescriptorPool([]gpu.DescriptorType) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle()
	d.pools[h] = struct{}{}
	return h, nil
}

func (d *Driver) DestroyDescriptorPool(p gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, s := range d.sets {
		if s.pool == p {
			if s.bg != nil {
				s.bg.Release()
			}
			delete(d.sets, h)
		}
	}
	delete(d.pools, p)
}

func (d *Driver) AllocateDescriptorSet(p, layout gpu.Handle) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[p]; !ok {
		return 0, errors.Errorf("webgpu: unknown descriptor pool %d", p)
	}
	sl, ok := d.layouts[layout]
	if !ok {
		return 0, errors.Errorf("webgpu: unknown descriptor set layout %d", layout)
	}
	h := d.handle()
	d.sets[h] = &descriptorSet{pool: p, layout: sl}
	return h, nil
}

// UpdateDescriptorSet builds the bind group for set. Failures surface when
// the set is bound.
func (d *Driver) UpdateDescriptorSet(set gpu.Handle, writes []gpu.DescriptorWrite) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sets[set]
	if !ok {
		return
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(writes))
	for _, w := range writes {
		b, ok := d.buffers[w.Buffer]
		if !ok || b.wb == nil {
			s.err = errors.Errorf("webgpu: binding %d has no device buffer", w.Binding)
			return
		}
		size := w.Range
		if size == 0 {
			size = b.wb.GetSize() - w.Offset
		}
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: w.Binding,
			Buffer:  b.wb,
			Offset:  w.Offset,
			Size:    size,
		})
	}
	bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "fieldbench",
		Layout:  s.layout.bgl,
		Entries: entries,
	})
	if err != nil {
		s.err = errors.Wrap(err, "webgpu: create bind group")
		return
	}
	if s.bg != nil {
		s.bg.Release()
	}
	s.bg, s.err = bg, nil
}

// WaitIdle blocks until all submitted work has finished.
func (d *Driver) WaitIdle() error {
	if d.device != nil {
		d.device.Poll(true, nil)
	}
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, s := range d.sets {
		if s.bg != nil {
			s.bg.Release()
		}
	}
	for _, p := range d.pipes {
		p.Release()
	}
	for _, l := range d.plLayout {
		l.pl.Release()
	}
	for _, l := range d.layouts {
		l.bgl.Release()
	}
	for _, m := range d.modules {
		m.Release()
	}
	for _, b := range d.buffers {
		if b.wb != nil {
			b.wb.Release()
		}
	}
	d.sets = map[gpu.Handle]*descriptorSet{}
	d.pipes = map[gpu.Handle]*wgpu.ComputePipeline{}
	d.plLayout = map[gpu.Handle]*pipelineLayout{}
	d.layouts = map[gpu.Handle]*setLayout{}
	d.modules = map[gpu.Handle]*wgpu.ShaderModule{}
	d.buffers = map[gpu.Handle]*buffer{}
	d.memory = map[gpu.Handle]*memory{}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
	return nil
}
