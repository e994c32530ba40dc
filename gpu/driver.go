package gpu

import (
	"fmt"
	"strings"
)

// Handle is an opaque backend object (buffer, memory, pipeline, set ...).
// Zero is never a valid handle.
type Handle uint64

// BufferUsage mirrors VkBufferUsageFlags.
type BufferUsage uint32

const (
	UsageTransferSrc BufferUsage = 0x1
	UsageTransferDst BufferUsage = 0x2
	UsageUniform     BufferUsage = 0x10
	UsageStorage     BufferUsage = 0x20
)

// MemoryProperty mirrors VkMemoryPropertyFlags.
type MemoryProperty uint32

const (
	MemoryDeviceLocal  MemoryProperty = 0x1
	MemoryHostVisible  MemoryProperty = 0x2
	MemoryHostCoherent MemoryProperty = 0x4
	MemoryHostCached   MemoryProperty = 0x8
)

// Has reports whether every bit of want is set.
func (p MemoryProperty) Has(want MemoryProperty) bool { return p&want == want }

func (p MemoryProperty) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  MemoryProperty
		name string
	}{
		{MemoryDeviceLocal, "device-local"},
		{MemoryHostVisible, "host-visible"},
		{MemoryHostCoherent, "host-coherent"},
		{MemoryHostCached, "host-cached"},
	} {
		if p&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// AccessFlags mirrors VkAccessFlags.
type AccessFlags uint32

const (
	AccessUniformRead   AccessFlags = 0x8
	AccessShaderRead    AccessFlags = 0x20
	AccessShaderWrite   AccessFlags = 0x40
	AccessTransferRead  AccessFlags = 0x800
	AccessTransferWrite AccessFlags = 0x1000
	AccessHostRead      AccessFlags = 0x2000
	AccessHostWrite     AccessFlags = 0x4000
)

// PipelineStage mirrors VkPipelineStageFlags.
type PipelineStage uint32

const (
	StageTopOfPipe     PipelineStage = 0x1
	StageComputeShader PipelineStage = 0x800
	StageTransfer      PipelineStage = 0x1000
	StageBottomOfPipe  PipelineStage = 0x2000
	StageHost          PipelineStage = 0x4000
)

// DescriptorType mirrors the two VkDescriptorType values in use.
type DescriptorType uint32

const (
	DescriptorUniformBuffer DescriptorType = 6
	DescriptorStorageBuffer DescriptorType = 7
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorUniformBuffer:
		return "uniform"
	case DescriptorStorageBuffer:
		return "storage"
	}
	return fmt.Sprintf("descriptor(%d)", uint32(t))
}

// MemoryType is one entry of the device memory type table.
type MemoryType struct {
	Properties MemoryProperty `json:"properties" yaml:"properties"`
	HeapIndex  uint32         `json:"heap" yaml:"heap"`
}

// MemoryHeap is one entry of the device heap table.
type MemoryHeap struct {
	Size        uint64 `json:"size" yaml:"size"`
	DeviceLocal bool   `json:"device_local" yaml:"device_local"`
}

// MemoryRequirements is what the driver reports for a freshly created buffer.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	// TypeBits has bit i set when memory type i may back the buffer.
	TypeBits uint32
}

// DeviceInfo identifies the device behind a driver.
type DeviceInfo struct {
	Backend  string `json:"backend" yaml:"backend"`
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	VendorID uint32 `json:"vendor_id" yaml:"vendor_id"`
	DeviceID uint32 `json:"device_id" yaml:"device_id"`
	API      string `json:"api,omitempty" yaml:"api,omitempty"`
	Driver   string `json:"driver,omitempty" yaml:"driver,omitempty"`
}

// BufferBarrier is one buffer memory barrier. Size 0 covers the whole buffer.
type BufferBarrier struct {
	Buffer    Handle
	SrcAccess AccessFlags
	DstAccess AccessFlags
	Offset    uint64
	Size      uint64
}

// DescriptorWrite binds one buffer range to one binding of a descriptor set.
type DescriptorWrite struct {
	Binding uint32
	Type    DescriptorType
	Buffer  Handle
	Offset  uint64
	Range   uint64
}

// Driver is the device abstraction every backend implements. Calls map one
// to one onto Vulkan entry points; backends without an equivalent emulate
// them. A Driver owns one device and one compute queue and is not safe for
// concurrent use.
type Driver interface {
	Info() DeviceInfo
	MemoryProperties() ([]MemoryType, []MemoryHeap)

	CreateBuffer(size uint64, usage BufferUsage) (Handle, MemoryRequirements, error)
	DestroyBuffer(buf Handle)
	AllocateMemory(size uint64, typeIndex uint32) (Handle, error)
	FreeMemory(mem Handle)
	BindBufferMemory(buf, mem Handle) error
	// MapMemory returns a host view of the first size bytes of mem. The view
	// stays valid until UnmapMemory.
	MapMemory(mem Handle, size uint64) ([]byte, error)
	UnmapMemory(mem Handle)
	FlushMemory(mem Handle, size uint64) error
	InvalidateMemory(mem Handle, size uint64) error

	CreateShaderModule(code []byte) (Handle, error)
	DestroyShaderModule(module Handle)
	CreateDescriptorSetLayout(bindings []DescriptorType) (Handle, error)
	DestroyDescriptorSetLayout(layout Handle)
	CreatePipelineLayout(setLayout Handle) (Handle, error)
	DestroyPipelineLayout(layout Handle)
	CreateComputePipeline(layout, module Handle, entryPoint string) (Handle, error)
	DestroyPipeline(pipeline Handle)
	CreateDescriptorPool(bindings []DescriptorType) (Handle, error)
	DestroyDescriptorPool(pool Handle)
	AllocateDescriptorSet(pool, setLayout Handle) (Handle, error)
	UpdateDescriptorSet(set Handle, writes []DescriptorWrite)

	BeginCommandBuffer() (CommandBuffer, error)
	// Submit executes cmd on the queue and blocks until its fence signals.
	Submit(cmd CommandBuffer) error
	WaitIdle() error
	Close() error
}

// CommandBuffer records device work for a single Submit.
type CommandBuffer interface {
	CopyBuffer(src, dst Handle, size uint64)
	FillBuffer(dst Handle, size uint64, value uint32)
	UpdateBuffer(dst Handle, data []byte)
	PipelineBarrier(src, dst PipelineStage, barriers ...BufferBarrier)
	BindComputePipeline(pipeline Handle)
	BindDescriptorSet(layout, set Handle)
	Dispatch(x, y, z uint32)
	End() error
	Release()
}

// KernelFunc is the host rendition of a compute shader for one workgroup.
// bindings are the bound buffer contents in binding order.
type KernelFunc func(group uint32, bindings [][]byte) error
