// Package soft is a host-emulated compute device. It keeps separate host
// allocations per memory object so that staging copies are real, validates
// SPIR-V binding decorations against descriptor layouts and runs a host
// kernel for every dispatched workgroup.
package soft

import (
	"sync"
	"unsafe"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/pool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Name is the backend name used with gpu.Open.
const Name = "soft"

const (
	// DefaultHeapSize is the capacity of every emulated heap.
	DefaultHeapSize = 4 << 30
	// BufferAlignment is reported in every MemoryRequirements.
	BufferAlignment = 256
)

// Memory type tables for the common device classes.
var (
	// DiscreteMemory has no host-visible device-local type, so buffers are
	// staged.
	DiscreteMemory = []gpu.MemoryType{
		{Properties: gpu.MemoryDeviceLocal, HeapIndex: 0},
		{Properties: gpu.MemoryHostVisible | gpu.MemoryHostCoherent, HeapIndex: 1},
		{Properties: gpu.MemoryHostVisible | gpu.MemoryHostCoherent | gpu.MemoryHostCached, HeapIndex: 1},
	}
	// UnifiedMemory has a single device-local host-visible coherent type.
	UnifiedMemory = []gpu.MemoryType{
		{Properties: gpu.MemoryDeviceLocal | gpu.MemoryHostVisible | gpu.MemoryHostCoherent, HeapIndex: 0},
	}
	// NonCoherentMemory stages through host-visible memory that needs
	// explicit flush and invalidate.
	NonCoherentMemory = []gpu.MemoryType{
		{Properties: gpu.MemoryDeviceLocal, HeapIndex: 0},
		{Properties: gpu.MemoryHostVisible | gpu.MemoryHostCached, HeapIndex: 1},
	}
)

func init() {
	gpu.Register(Name, func(opts gpu.Options) (gpu.Driver, error) {
		return New(opts), nil
	})
}

type memory struct {
	words     []uint64
	size      uint64
	typeIndex uint32
	mapped    bool
}

func (m *memory) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&m.words[0])), m.size)
}

type buffer struct {
	size  uint64
	usage gpu.BufferUsage
	mem   *memory
}

type pipeline struct {
	layout gpu.Handle
	module gpu.Handle
}

type descriptorSet struct {
	pool   gpu.Handle
	layout gpu.Handle
	writes map[uint32]gpu.DescriptorWrite
}

// Driver implements gpu.Driver on host memory.
type Driver struct {
	log     logrus.FieldLogger
	kernel  gpu.KernelFunc
	types   []gpu.MemoryType
	heaps   []gpu.MemoryHeap
	used    []uint64
	workers *pool.Pool

	mu              sync.Mutex
	next            gpu.Handle
	buffers         map[gpu.Handle]*buffer
	memory          map[gpu.Handle]*memory
	modules         map[gpu.Handle][]uint32
	setLayouts      map[gpu.Handle][]gpu.DescriptorType
	pipelineLayouts map[gpu.Handle]gpu.Handle
	pipelines       map[gpu.Handle]*pipeline
	pools           map[gpu.Handle]bool
	sets            map[gpu.Handle]*descriptorSet
	trace           []Op
	closed          bool
}

// New creates an emulated device. opts.MemoryTypes defaults to
// DiscreteMemory and opts.Kernel runs once per dispatched workgroup.
func New(opts gpu.Options) *Driver {
	types := opts.MemoryTypes
	if len(types) == 0 {
		types = DiscreteMemory
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var heapCount uint32
	for _, t := range types {
		if t.HeapIndex+1 > heapCount {
			heapCount = t.HeapIndex + 1
		}
	}
	heaps := make([]gpu.MemoryHeap, heapCount)
	for i := range heaps {
		heaps[i].Size = DefaultHeapSize
	}
	for _, t := range types {
		if t.Properties.Has(gpu.MemoryDeviceLocal) {
			heaps[t.HeapIndex].DeviceLocal = true
		}
	}

	return &Driver{
		log:             log.WithField("backend", Name),
		kernel:          opts.Kernel,
		types:           append([]gpu.MemoryType(nil), types...),
		heaps:           heaps,
		used:            make([]uint64, heapCount),
		workers:         pool.New(0),
		buffers:         map[gpu.Handle]*buffer{},
		memory:          map[gpu.Handle]*memory{},
		modules:         map[gpu.Handle][]uint32{},
		setLayouts:      map[gpu.Handle][]gpu.DescriptorType{},
		pipelineLayouts: map[gpu.Handle]gpu.Handle{},
		pipelines:       map[gpu.Handle]*pipeline{},
		pools:           map[gpu.Handle]bool{},
		sets:            map[gpu.Handle]*descriptorSet{},
	}
}

// SetHeapSize changes the capacity of heap i. Existing allocations are kept.
func (d *Driver) SetHeapSize(i int, size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= 0 && i < len(d.heaps) {
		d.heaps[i].Size = size
	}
}

// Live reports the number of buffers and memory objects not yet released.
func (d *Driver) Live() (buffers, memory int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers), len(d.memory)
}

// Closed reports whether Close has been called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) handle() gpu.Handle {
	d.next++
	return d.next
}

func (d *Driver) Info() gpu.DeviceInfo {
	return gpu.DeviceInfo{
		Backend:  Name,
		Name:     "Host emulated device",
		Type:     "cpu",
		VendorID: 0x10005,
		API:      "1.3 (emulated)",
		Driver:   "fieldbench soft",
	}
}

func (d *Driver) MemoryProperties() ([]gpu.MemoryType, []gpu.MemoryHeap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpu.MemoryType(nil), d.types...), append([]gpu.MemoryHeap(nil), d.heaps...)
}

func (d *Driver) CreateBuffer(size uint64, usage gpu.BufferUsage) (gpu.Handle, gpu.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size == 0 {
		return 0, gpu.MemoryRequirements{}, errors.New("soft: zero-sized buffer")
	}
	h := d.handle()
	d.buffers[h] = &buffer{size: size, usage: usage}
	reqs := gpu.MemoryRequirements{
		Size:      (size + BufferAlignment - 1) &^ (BufferAlignment - 1),
		Alignment: BufferAlignment,
		TypeBits:  uint32(1)<<uint(len(d.types)) - 1,
	}
	return h, reqs, nil
}

func (d *Driver) DestroyBuffer(buf gpu.Handle) {
	d.mu.Lock()
	delete(d.buffers, buf)
	d.mu.Unlock()
}

func (d *Driver) AllocateMemory(size uint64, typeIndex uint32) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(typeIndex) >= len(d.types) {
		return 0, errors.Errorf("soft: memory type %d out of range", typeIndex)
	}
	if size == 0 {
		return 0, errors.New("soft: zero-sized allocation")
	}
	heap := d.types[typeIndex].HeapIndex
	if d.used[heap]+size > d.heaps[heap].Size {
		return 0, errors.Errorf("soft: out of memory in heap %d (%d of %d bytes used, %d requested)",
			heap, d.used[heap], d.heaps[heap].Size, size)
	}
	d.used[heap] += size
	h := d.handle()
	d.memory[h] = &memory{
		words:     make([]uint64, (size+7)/8),
		size:      size,
		typeIndex: typeIndex,
	}
	return h, nil
}

func (d *Driver) FreeMemory(mem gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memory[mem]
	if !ok {
		return
	}
	d.used[d.types[m.typeIndex].HeapIndex] -= m.size
	delete(d.memory, mem)
}

func (d *Driver) BindBufferMemory(buf, mem gpu.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[buf]
	if !ok {
		return errors.Errorf("soft: unknown buffer %d", buf)
	}
	m, ok := d.memory[mem]
	if !ok {
		return errors.Errorf("soft: unknown memory %d", mem)
	}
	if m.size < b.size {
		return errors.Errorf("soft: memory of %d bytes cannot back a %d byte buffer", m.size, b.size)
	}
	b.mem = m
	return nil
}

func (d *Driver) MapMemory(mem gpu.Handle, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memory[mem]
	if !ok {
		return nil, errors.Errorf("soft: unknown memory %d", mem)
	}
	if !d.types[m.typeIndex].Properties.Has(gpu.MemoryHostVisible) {
		return nil, errors.Errorf("soft: memory type %d is not host-visible", m.typeIndex)
	}
	if size > m.size {
		return nil, errors.Errorf("soft: map of %d bytes exceeds allocation of %d", size, m.size)
	}
	m.mapped = true
	return m.bytes()[:size], nil
}

func (d *Driver) UnmapMemory(mem gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.memory[mem]; ok {
		m.mapped = false
	}
}

func (d *Driver) FlushMemory(mem gpu.Handle, size uint64) error {
	return d.hostSync(OpFlush, mem, size)
}

func (d *Driver) InvalidateMemory(mem gpu.Handle, size uint64) error {
	return d.hostSync(OpInvalidate, mem, size)
}

func (d *Driver) hostSync(kind OpKind, mem gpu.Handle, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memory[mem]
	if !ok || !m.mapped {
		return errors.Errorf("soft: %s of unmapped memory %d", kind, mem)
	}
	d.trace = append(d.trace, Op{Kind: kind, Dst: mem, Size: size})
	return nil
}

func (d *Driver) CreateShaderModule(code []byte) (gpu.Handle, error) {
	bindings, err := gpu.SPIRVBindings(code)
	if err != nil {
		return 0, errors.Wrap(err, "soft: shader module")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle()
	d.modules[h] = bindings
	return h, nil
}

func (d *Driver) DestroyShaderModule(module gpu.Handle) {
	d.mu.Lock()
	delete(d.modules, module)
	d.mu.Unlock()
}

func (d *Driver) CreateDescriptorSetLayout(bindings []gpu.DescriptorType) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range bindings {
		if t != gpu.DescriptorStorageBuffer && t != gpu.DescriptorUniformBuffer {
			return 0, errors.Errorf("soft: binding %d has unsupported descriptor type %s", i, t)
		}
	}
	h := d.handle()
	d.setLayouts[h] = append([]gpu.DescriptorType(nil), bindings...)
	return h, nil
}

func (d *Driver) DestroyDescriptorSetLayout(layout gpu.Handle) {
	d.mu.Lock()
	delete(d.setLayouts, layout)
	d.mu.Unlock()
}

func (d *Driver) CreatePipelineLayout(setLayout gpu.Handle) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.setLayouts[setLayout]; !ok {
		return 0, errors.Errorf("soft: unknown descriptor set layout %d", setLayout)
	}
	h := d.handle()
	d.pipelineLayouts[h] = setLayout
	return h, nil
}

func (d *Driver) DestroyPipelineLayout(layout gpu.Handle) {
	d.mu.Lock()
	delete(d.pipelineLayouts, layout)
	d.mu.Unlock()
}

// CreateComputePipeline requires the shader to declare exactly the bindings
// 0..n-1 of the layout's descriptor set.
func (d *Driver) CreateComputePipeline(layout, module gpu.Handle, entryPoint string) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entryPoint == "" {
		return 0, errors.New("soft: empty entry point")
	}
	setLayout, ok := d.pipelineLayouts[layout]
	if !ok {
		return 0, errors.Errorf("soft: unknown pipeline layout %d", layout)
	}
	bindings, ok := d.modules[module]
	if !ok {
		return 0, errors.Errorf("soft: unknown shader module %d", module)
	}
	types := d.setLayouts[setLayout]
	if len(bindings) != len(types) {
		return 0, errors.Errorf("soft: shader declares %d bindings, layout has %d", len(bindings), len(types))
	}
	for i, b := range bindings {
		if b != uint32(i) {
			return 0, errors.Errorf("soft: shader binding %d has no slot in the layout", b)
		}
	}
	h := d.handle()
	d.pipelines[h] = &pipeline{layout: layout, module: module}
	return h, nil
}

func (d *Driver) DestroyPipeline(p gpu.Handle) {
	d.mu.Lock()
	delete(d.pipelines, p)
	d.mu.Unlock()
}

func (d *Driver) CreateDescriptorPool(bindings []gpu.DescriptorType) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handle()
	d.pools[h] = true
	return h, nil
}

// DestroyDescriptorPool also frees the sets allocated from it.
func (d *Driver) DestroyDescriptorPool(p gpu.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pools, p)
	for h, s := range d.sets {
		if s.pool == p {
			delete(d.sets, h)
		}
	}
}

func (d *Driver) AllocateDescriptorSet(p, setLayout gpu.Handle) (gpu.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pools[p] {
		return 0, errors.Errorf("soft: unknown descriptor pool %d", p)
	}
	if _, ok := d.setLayouts[setLayout]; !ok {
		return 0, errors.Errorf("soft: unknown descriptor set layout %d", setLayout)
	}
	h := d.handle()
	d.sets[h] = &descriptorSet{pool: p, layout: setLayout, writes: map[uint32]gpu.DescriptorWrite{}}
	return h, nil
}

func (d *Driver) UpdateDescriptorSet(set gpu.Handle, writes []gpu.DescriptorWrite) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sets[set]
	if !ok {
		return
	}
	for _, w := range writes {
		s.writes[w.Binding] = w
	}
}

func (d *Driver) WaitIdle() error { return nil }

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.workers.Close()
	if len(d.buffers) > 0 || len(d.memory) > 0 {
		d.log.WithFields(logrus.Fields{
			"buffers": len(d.buffers),
			"memory":  len(d.memory),
		}).Warn("device closed with live objects")
	}
	return nil
}
