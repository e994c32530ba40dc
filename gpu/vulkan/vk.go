package vulkan

import "fmt"

// Result codes
const (
	VK_SUCCESS                        = 0
	VK_NOT_READY                      = 1
	VK_TIMEOUT                        = 2
	VK_INCOMPLETE                     = 5
	VK_ERROR_OUT_OF_HOST_MEMORY       = -1
	VK_ERROR_OUT_OF_DEVICE_MEMORY     = -2
	VK_ERROR_INITIALIZATION_FAILED    = -3
	VK_ERROR_DEVICE_LOST              = -4
	VK_ERROR_MEMORY_MAP_FAILED        = -5
	VK_ERROR_LAYER_NOT_PRESENT        = -6
	VK_ERROR_EXTENSION_NOT_PRESENT    = -7
	VK_ERROR_FEATURE_NOT_PRESENT      = -8
	VK_ERROR_INCOMPATIBLE_DRIVER      = -9
	VK_ERROR_TOO_MANY_OBJECTS         = -10
	VK_ERROR_FRAGMENTED_POOL          = -12
	VK_ERROR_OUT_OF_POOL_MEMORY       = -1000069000
	VK_ERROR_INVALID_SHADER_NV        = -1000012000
	VK_ERROR_UNKNOWN                  = -13
	VK_ERROR_INVALID_EXTERNAL_HANDLE  = -1000072003
	VK_ERROR_NATIVE_WINDOW_IN_USE_KHR = -1000000001
)

// Structure types
const (
	VK_STRUCTURE_TYPE_APPLICATION_INFO                  = 0
	VK_STRUCTURE_TYPE_INSTANCE_CREATE_INFO              = 1
	VK_STRUCTURE_TYPE_DEVICE_QUEUE_CREATE_INFO          = 2
	VK_STRUCTURE_TYPE_DEVICE_CREATE_INFO                = 3
	VK_STRUCTURE_TYPE_SUBMIT_INFO                       = 4
	VK_STRUCTURE_TYPE_MEMORY_ALLOCATE_INFO              = 5
	VK_STRUCTURE_TYPE_MAPPED_MEMORY_RANGE               = 6
	VK_STRUCTURE_TYPE_FENCE_CREATE_INFO                 = 8
	VK_STRUCTURE_TYPE_BUFFER_CREATE_INFO                = 12
	VK_STRUCTURE_TYPE_SHADER_MODULE_CREATE_INFO         = 16
	VK_STRUCTURE_TYPE_PIPELINE_SHADER_STAGE_CREATE_INFO = 18
	VK_STRUCTURE_TYPE_COMPUTE_PIPELINE_CREATE_INFO      = 29
	VK_STRUCTURE_TYPE_PIPELINE_LAYOUT_CREATE_INFO       = 30
	VK_STRUCTURE_TYPE_DESCRIPTOR_SET_LAYOUT_CREATE_INFO = 32
	VK_STRUCTURE_TYPE_DESCRIPTOR_POOL_CREATE_INFO       = 33
	VK_STRUCTURE_TYPE_DESCRIPTOR_SET_ALLOCATE_INFO      = 34
	VK_STRUCTURE_TYPE_WRITE_DESCRIPTOR_SET              = 35
	VK_STRUCTURE_TYPE_COMMAND_POOL_CREATE_INFO          = 39
	VK_STRUCTURE_TYPE_COMMAND_BUFFER_ALLOCATE_INFO      = 40
	VK_STRUCTURE_TYPE_COMMAND_BUFFER_BEGIN_INFO         = 42
	VK_STRUCTURE_TYPE_BUFFER_MEMORY_BARRIER             = 44
)

const (
	VK_API_VERSION_1_1 = uint32(0x00401000)

	VK_QUEUE_COMPUTE_BIT = 0x00000002

	VK_SHARING_MODE_EXCLUSIVE = 0

	VK_MEMORY_HEAP_DEVICE_LOCAL_BIT = 0x00000001

	VK_COMMAND_POOL_CREATE_RESET_COMMAND_BUFFER_BIT = 0x00000002
	VK_COMMAND_BUFFER_LEVEL_PRIMARY                 = 0
	VK_COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT     = 0x00000001

	VK_SHADER_STAGE_COMPUTE_BIT    = 0x00000020
	VK_PIPELINE_BIND_POINT_COMPUTE = 1

	VK_QUEUE_FAMILY_IGNORED = ^uint32(0)
	VK_WHOLE_SIZE           = ^uint64(0)

	VK_PHYSICAL_DEVICE_TYPE_OTHER          = 0
	VK_PHYSICAL_DEVICE_TYPE_INTEGRATED_GPU = 1
	VK_PHYSICAL_DEVICE_TYPE_DISCRETE_GPU   = 2
	VK_PHYSICAL_DEVICE_TYPE_VIRTUAL_GPU    = 3
	VK_PHYSICAL_DEVICE_TYPE_CPU            = 4

	VK_MAX_MEMORY_TYPES = 32
	VK_MAX_MEMORY_HEAPS = 16

	validationLayer = "VK_LAYER_KHRONOS_validation"
)

// Dispatchable handles are pointers; the rest are 64-bit on every platform.
type (
	VkInstance       uintptr
	VkPhysicalDevice uintptr
	VkDevice         uintptr
	VkQueue          uintptr
	VkCommandBuffer  uintptr

	VkBuffer              uint64
	VkDeviceMemory        uint64
	VkCommandPool         uint64
	VkFence               uint64
	VkShaderModule        uint64
	VkDescriptorSetLayout uint64
	VkPipelineLayout      uint64
	VkPipeline            uint64
	VkDescriptorPool      uint64
	VkDescriptorSet       uint64

	VkDeviceSize uint64
	VkResult     int32
)

var resultNames = map[VkResult]string{
	VK_SUCCESS:                     "VK_SUCCESS",
	VK_NOT_READY:                   "VK_NOT_READY",
	VK_TIMEOUT:                     "VK_TIMEOUT",
	VK_INCOMPLETE:                  "VK_INCOMPLETE",
	VK_ERROR_OUT_OF_HOST_MEMORY:    "VK_ERROR_OUT_OF_HOST_MEMORY",
	VK_ERROR_OUT_OF_DEVICE_MEMORY:  "VK_ERROR_OUT_OF_DEVICE_MEMORY",
	VK_ERROR_INITIALIZATION_FAILED: "VK_ERROR_INITIALIZATION_FAILED",
	VK_ERROR_DEVICE_LOST:           "VK_ERROR_DEVICE_LOST",
	VK_ERROR_MEMORY_MAP_FAILED:     "VK_ERROR_MEMORY_MAP_FAILED",
	VK_ERROR_LAYER_NOT_PRESENT:     "VK_ERROR_LAYER_NOT_PRESENT",
	VK_ERROR_EXTENSION_NOT_PRESENT: "VK_ERROR_EXTENSION_NOT_PRESENT",
	VK_ERROR_FEATURE_NOT_PRESENT:   "VK_ERROR_FEATURE_NOT_PRESENT",
	VK_ERROR_INCOMPATIBLE_DRIVER:   "VK_ERROR_INCOMPATIBLE_DRIVER",
	VK_ERROR_TOO_MANY_OBJECTS:      "VK_ERROR_TOO_MANY_OBJECTS",
	VK_ERROR_FRAGMENTED_POOL:       "VK_ERROR_FRAGMENTED_POOL",
	VK_ERROR_UNKNOWN:               "VK_ERROR_UNKNOWN",
	VK_ERROR_OUT_OF_POOL_MEMORY:    "VK_ERROR_OUT_OF_POOL_MEMORY",
	VK_ERROR_INVALID_SHADER_NV:     "VK_ERROR_INVALID_SHADER_NV",
}

func (r VkResult) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("VkResult(%d)", int32(r))
}

func deviceTypeName(t uint32) string {
	switch t {
	case VK_PHYSICAL_DEVICE_TYPE_INTEGRATED_GPU:
		return "integrated-gpu"
	case VK_PHYSICAL_DEVICE_TYPE_DISCRETE_GPU:
		return "discrete-gpu"
	case VK_PHYSICAL_DEVICE_TYPE_VIRTUAL_GPU:
		return "virtual-gpu"
	case VK_PHYSICAL_DEVICE_TYPE_CPU:
		return "cpu"
	}
	return "other"
}

func versionString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>22&0x7f, v>>12&0x3ff, v&0xfff)
}

type VkApplicationInfo struct {
	SType              uint32
	PNext              uintptr
	PApplicationName   *byte
	ApplicationVersion uint32
	PEngineName        *byte
	EngineVersion      uint32
	ApiVersion         uint32
}

type VkInstanceCreateInfo struct {
	SType                   uint32
	PNext                   uintptr
	Flags                   uint32
	PApplicationInfo        *VkApplicationInfo
	EnabledLayerCount       uint32
	PpEnabledLayerNames     **byte
	EnabledExtensionCount   uint32
	PpEnabledExtensionNames **byte
}

// VkPhysicalDeviceProperties keeps the limits and sparse properties opaque.
type VkPhysicalDeviceProperties struct {
	ApiVersion        uint32
	DriverVersion     uint32
	VendorID          uint32
	DeviceID          uint32
	DeviceType        uint32
	DeviceName        [256]byte
	PipelineCacheUUID [16]byte
	_                 uint32
	Limits            [504]byte
	SparseProperties  [20]byte
	_                 uint32
}

type VkMemoryType struct {
	PropertyFlags uint32
	HeapIndex     uint32
}

type VkMemoryHeap struct {
	Size  VkDeviceSize
	Flags uint32
}

type VkPhysicalDeviceMemoryProperties struct {
	MemoryTypeCount uint32
	MemoryTypes     [VK_MAX_MEMORY_TYPES]VkMemoryType
	MemoryHeapCount uint32
	MemoryHeaps     [VK_MAX_MEMORY_HEAPS]VkMemoryHeap
}

type VkQueueFamilyProperties struct {
	QueueFlags                  uint32
	QueueCount                  uint32
	TimestampValidBits          uint32
	MinImageTransferGranularity [3]uint32
}

type VkDeviceQueueCreateInfo struct {
	SType            uint32
	PNext            uintptr
	Flags            uint32
	QueueFamilyIndex uint32
	QueueCount       uint32
	PQueuePriorities *float32
}

type VkDeviceCreateInfo struct {
	SType                   uint32
	PNext                   uintptr
	Flags                   uint32
	QueueCreateInfoCount    uint32
	PQueueCreateInfos       *VkDeviceQueueCreateInfo
	EnabledLayerCount       uint32
	PpEnabledLayerNames     **byte
	EnabledExtensionCount   uint32
	PpEnabledExtensionNames **byte
	PEnabledFeatures        uintptr
}

type VkBufferCreateInfo struct {
	SType                 uint32
	PNext                 uintptr
	Flags                 uint32
	Size                  VkDeviceSize
	Usage                 uint32
	SharingMode           uint32
	QueueFamilyIndexCount uint32
	PQueueFamilyIndices   *uint32
}

type VkMemoryRequirements struct {
	Size           VkDeviceSize
	Alignment      VkDeviceSize
	MemoryTypeBits uint32
}

type VkMemoryAllocateInfo struct {
	SType           uint32
	PNext           uintptr
	AllocationSize  VkDeviceSize
	MemoryTypeIndex uint32
}

type VkMappedMemoryRange struct {
	SType  uint32
	PNext  uintptr
	Memory VkDeviceMemory
	Offset VkDeviceSize
	Size   VkDeviceSize
}

type VkCommandPoolCreateInfo struct {
	SType            uint32
	PNext            uintptr
	Flags            uint32
	QueueFamilyIndex uint32
}

type VkCommandBufferAllocateInfo struct {
	SType              uint32
	PNext              uintptr
	CommandPool        VkCommandPool
	Level              uint32
	CommandBufferCount uint32
}

type VkCommandBufferBeginInfo struct {
	SType            uint32
	PNext            uintptr
	Flags            uint32
	PInheritanceInfo uintptr
}

type VkBufferCopy struct {
	SrcOffset VkDeviceSize
	DstOffset VkDeviceSize
	Size      VkDeviceSize
}

type VkBufferMemoryBarrier struct {
	SType               uint32
	PNext               uintptr
	SrcAccessMask       uint32
	DstAccessMask       uint32
	SrcQueueFamilyIndex uint32
	DstQueueFamilyIndex uint32
	Buffer              VkBuffer
	Offset              VkDeviceSize
	Size                VkDeviceSize
}

type VkSubmitInfo struct {
	SType                uint32
	PNext                uintptr
	WaitSemaphoreCount   uint32
	PWaitSemaphores      uintptr
	PWaitDstStageMask    uintptr
	CommandBufferCount   uint32
	PCommandBuffers      *VkCommandBuffer
	SignalSemaphoreCount uint32
	PSignalSemaphores    uintptr
}

type VkFenceCreateInfo struct {
	SType uint32
	PNext uintptr
	Flags uint32
}

type VkShaderModuleCreateInfo struct {
	SType    uint32
	PNext    uintptr
	Flags    uint32
	CodeSize uintptr
	PCode    *uint32
}

type VkDescriptorSetLayoutBinding struct {
	Binding            uint32
	DescriptorType     uint32
	DescriptorCount    uint32
	StageFlags         uint32
	PImmutableSamplers uintptr
}

type VkDescriptorSetLayoutCreateInfo struct {
	SType        uint32
	PNext        uintptr
	Flags        uint32
	BindingCount uint32
	PBindings    *VkDescriptorSetLayoutBinding
}

type VkPipelineLayoutCreateInfo struct {
	SType                  uint32
	PNext                  uintptr
	Flags                  uint32
	SetLayoutCount         uint32
	PSetLayouts            *VkDescriptorSetLayout
	PushConstantRangeCount uint32
	PPushConstantRanges    uintptr
}

type VkPipelineShaderStageCreateInfo struct {
	SType               uint32
	PNext               uintptr
	Flags               uint32
	Stage               uint32
	Module              VkShaderModule
	PName               *byte
	PSpecializationInfo uintptr
}

type VkComputePipelineCreateInfo struct {
	SType              uint32
	PNext              uintptr
	Flags              uint32
	Stage              VkPipelineShaderStageCreateInfo
	Layout             VkPipelineLayout
	BasePipelineHandle VkPipeline
	BasePipelineIndex  int32
}

type VkDescriptorPoolSize struct {
	Type            uint32
	DescriptorCount uint32
}

type VkDescriptorPoolCreateInfo struct {
	SType         uint32
	PNext         uintptr
	Flags         uint32
	MaxSets       uint32
	PoolSizeCount uint32
	PPoolSizes    *VkDescriptorPoolSize
}

type VkDescriptorSetAllocateInfo struct {
	SType              uint32
	PNext              uintptr
	DescriptorPool     VkDescriptorPool
	DescriptorSetCount uint32
	PSetLayouts        *VkDescriptorSetLayout
}

type VkDescriptorBufferInfo struct {
	Buffer VkBuffer
	Offset VkDeviceSize
	Range  VkDeviceSize
}

type VkWriteDescriptorSet struct {
	SType            uint32
	PNext            uintptr
	DstSet           VkDescriptorSet
	DstBinding       uint32
	DstArrayElement  uint32
	DescriptorCount  uint32
	DescriptorType   uint32
	PImageInfo       uintptr
	PBufferInfo      *VkDescriptorBufferInfo
	PTexelBufferView uintptr
}

// cstr returns a NUL-terminated copy of s.
func cstr(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}

// gostr reads a NUL-terminated name out of a fixed array.
func gostr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
