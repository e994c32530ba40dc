// Package vulkan implements gpu.Driver on the system Vulkan loader.
//
// The loader is opened at runtime through purego, so the package builds
// without cgo and a missing driver only surfaces as an error from New:
//   - Linux: libvulkan.so.1 (Mesa or a vendor driver)
//   - Windows: vulkan-1.dll (installed with the GPU driver)
//   - macOS: libvulkan.1.dylib or MoltenVK
//
// FIELDBENCH_VULKAN_LIBRARY overrides the library path.
package vulkan

import (
	"runtime"
	"unsafe"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Name is the backend name used with gpu.Open.
const Name = "vulkan"

func init() {
	gpu.Register(Name, func(opts gpu.Options) (gpu.Driver, error) {
		return New(opts)
	})
}

// Driver owns one instance, one logical device with a single compute queue,
// a command pool and the fence used for synchronous submission.
type Driver struct {
	log logrus.FieldLogger

	instance    VkInstance
	physical    VkPhysicalDevice
	device      VkDevice
	queue       VkQueue
	queueFamily uint32
	commandPool VkCommandPool
	fence       VkFence

	info  gpu.DeviceInfo
	types []gpu.MemoryType
	heaps []gpu.MemoryHeap
}

// New opens the loader and creates the device. opts.DeviceIndex picks a
// physical device by enumeration order; a negative index prefers discrete
// over integrated over anything else.
func New(opts gpu.Options) (*Driver, error) {
	if err := initVulkan(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Driver{log: log.WithField("backend", Name)}

	if err := d.createInstance(opts.Validation); err != nil {
		return nil, err
	}
	if err := d.pickPhysicalDevice(opts.DeviceIndex); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.createDevice(); err != nil {
		d.Close()
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"device": d.info.Name,
		"type":   d.info.Type,
		"api":    d.info.API,
	}).Info("vulkan device created")
	return d, nil
}

func (d *Driver) createInstance(validation bool) error {
	appInfo := &VkApplicationInfo{
		SType:              VK_STRUCTURE_TYPE_APPLICATION_INFO,
		PApplicationName:   cstr("fieldbench"),
		ApplicationVersion: 0x00010000,
		PEngineName:        cstr("fieldbench"),
		EngineVersion:      0x00010000,
		ApiVersion:         VK_API_VERSION_1_1,
	}
	createInfo := &VkInstanceCreateInfo{
		SType:            VK_STRUCTURE_TYPE_INSTANCE_CREATE_INFO,
		PApplicationInfo: appInfo,
	}
	layers := []*byte{cstr(validationLayer)}
	if validation {
		createInfo.EnabledLayerCount = 1
		createInfo.PpEnabledLayerNames = &layers[0]
	}

	r := vkCreateInstance(createInfo, 0, &d.instance)
	if r == VK_ERROR_LAYER_NOT_PRESENT && validation {
		d.log.Warn("validation layer not present, continuing without it")
		createInfo.EnabledLayerCount = 0
		createInfo.PpEnabledLayerNames = nil
		r = vkCreateInstance(createInfo, 0, &d.instance)
	}
	runtime.KeepAlive(appInfo)
	runtime.KeepAlive(layers)
	return check(r, "create instance")
}

func (d *Driver) pickPhysicalDevice(index int) error {
	var count uint32
	if err := check(vkEnumeratePhysicalDevices(d.instance, &count, nil), "enumerate physical devices"); err != nil {
		return err
	}
	if count == 0 {
		return errors.New("vulkan: no physical devices")
	}
	devices := make([]VkPhysicalDevice, count)
	if err := check(vkEnumeratePhysicalDevices(d.instance, &count, &devices[0]), "enumerate physical devices"); err != nil {
		return err
	}
	devices = devices[:count]

	type candidate struct {
		dev    VkPhysicalDevice
		props  VkPhysicalDeviceProperties
		family int32
	}
	var candidates []candidate
	for _, dev := range devices {
		c := candidate{dev: dev, family: findComputeQueueFamily(dev)}
		vkGetPhysicalDeviceProperties(dev, &c.props)
		d.log.WithFields(logrus.Fields{
			"name":    gostr(c.props.DeviceName[:]),
			"type":    deviceTypeName(c.props.DeviceType),
			"compute": c.family >= 0,
		}).Debug("physical device")
		candidates = append(candidates, c)
	}

	var chosen *candidate
	if index >= 0 {
		if index >= len(candidates) {
			return errors.Errorf("vulkan: device index %d out of range (%d devices)", index, len(candidates))
		}
		chosen = &candidates[index]
		if chosen.family < 0 {
			return errors.Errorf("vulkan: device %d has no compute queue", index)
		}
	} else {
		rank := func(t uint32) int {
			switch t {
			case VK_PHYSICAL_DEVICE_TYPE_DISCRETE_GPU:
				return 0
			case VK_PHYSICAL_DEVICE_TYPE_INTEGRATED_GPU:
				return 1
			case VK_PHYSICAL_DEVICE_TYPE_VIRTUAL_GPU:
				return 2
			}
			return 3
		}
		for i := range candidates {
			c := &candidates[i]
			if c.family < 0 {
				continue
			}
			if chosen == nil || rank(c.props.DeviceType) < rank(chosen.props.DeviceType) {
				chosen = c
			}
		}
		if chosen == nil {
			return errors.New("vulkan: no device with a compute queue")
		}
	}

	d.physical = chosen.dev
	d.queueFamily = uint32(chosen.family)
	d.info = gpu.DeviceInfo{
		Backend:  Name,
		Name:     gostr(chosen.props.DeviceName[:]),
		Type:     deviceTypeName(chosen.props.DeviceType),
		VendorID: chosen.props.VendorID,
		DeviceID: chosen.props.DeviceID,
		API:      versionString(chosen.props.ApiVersion),
		Driver:   versionString(chosen.props.DriverVersion),
	}

	var mem VkPhysicalDeviceMemoryProperties
	vkGetPhysicalDeviceMemoryProperties(d.physical, &mem)
	for i := uint32(0); i < mem.MemoryTypeCount && i < VK_MAX_MEMORY_TYPES; i++ {
		t := mem.MemoryTypes[i]
		d.types = append(d.types, gpu.MemoryType{Properties: gpu.MemoryProperty(t.PropertyFlags), HeapIndex: t.HeapIndex})
	}
	for i := uint32(0); i < mem.MemoryHeapCount && i < VK_MAX_MEMORY_HEAPS; i++ {
		h := mem.MemoryHeaps[i]
		d.heaps = append(d.heaps, gpu.MemoryHeap{Size: uint64(h.Size), DeviceLocal: h.Flags&VK_MEMORY_HEAP_DEVICE_LOCAL_BIT != 0})
	}
	return nil
}

func findComputeQueueFamily(dev VkPhysicalDevice) int32 {
	var count uint32
	vkGetPhysicalDeviceQueueFamilyProperties(dev, &count, nil)
	if count == 0 {
		return -1
	}
	families := make([]VkQueueFamilyProperties, count)
	vkGetPhysicalDeviceQueueFamilyProperties(dev, &count, &families[0])
	for i := uint32(0); i < count; i++ {
		if families[i].QueueFlags&VK_QUEUE_COMPUTE_BIT != 0 {
			return int32(i)
		}
	}
	return -1
}

func (d *Driver) createDevice() error {
	priority := new(float32)
	*priority = 1
	queueInfo := &VkDeviceQueueCreateInfo{
		SType:            VK_STRUCTURE_TYPE_DEVICE_QUEUE_CREATE_INFO,
		QueueFamilyIndex: d.queueFamily,
		QueueCount:       1,
		PQueuePriorities: priority,
	}
	deviceInfo := &VkDeviceCreateInfo{
		SType:                VK_STRUCTURE_TYPE_DEVICE_CREATE_INFO,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    queueInfo,
	}
	r := vkCreateDevice(d.physical, deviceInfo, 0, &d.device)
	runtime.KeepAlive(queueInfo)
	if err := check(r, "create device"); err != nil {
		return err
	}
	vkGetDeviceQueue(d.device, d.queueFamily, 0, &d.queue)

	poolInfo := &VkCommandPoolCreateInfo{
		SType:            VK_STRUCTURE_TYPE_COMMAND_POOL_CREATE_INFO,
		Flags:            VK_COMMAND_POOL_CREATE_RESET_COMMAND_BUFFER_BIT,
		QueueFamilyIndex: d.queueFamily,
	}
	if err := check(vkCreateCommandPool(d.device, poolInfo, 0, &d.commandPool), "create command pool"); err != nil {
		return err
	}

	fenceInfo := &VkFenceCreateInfo{SType: VK_STRUCTURE_TYPE_FENCE_CREATE_INFO}
	return check(vkCreateFence(d.device, fenceInfo, 0, &d.fence), "create fence")
}

func (d *Driver) Info() gpu.DeviceInfo { return d.info }

func (d *Driver) MemoryProperties() ([]gpu.MemoryType, []gpu.MemoryHeap) {
	return append([]gpu.MemoryType(nil), d.types...), append([]gpu.MemoryHeap(nil), d.heaps...)
}

func (d *Driver) CreateBuffer(size uint64, usage gpu.BufferUsage) (gpu.Handle, gpu.MemoryRequirements, error) {
	info := &VkBufferCreateInfo{
		SType:       VK_STRUCTURE_TYPE_BUFFER_CREATE_INFO,
		Size:        VkDeviceSize(size),
		Usage:       uint32(usage),
		SharingMode: VK_SHARING_MODE_EXCLUSIVE,
	}
	var buf VkBuffer
	if err := check(vkCreateBuffer(d.device, info, 0, &buf), "create buffer"); err != nil {
		return 0, gpu.MemoryRequirements{}, err
	}
	var reqs VkMemoryRequirements
	vkGetBufferMemoryRequirements(d.device, buf, &reqs)
	return gpu.Handle(buf), gpu.MemoryRequirements{
		Size:      uint64(reqs.Size),
		Alignment: uint64(reqs.Alignment),
		TypeBits:  reqs.MemoryTypeBits,
	}, nil
}

func (d *Driver) DestroyBuffer(buf gpu.Handle) {
	vkDestroyBuffer(d.device, VkBuffer(buf), 0)
}

func (d *Driver) AllocateMemory(size uint64, typeIndex uint32) (gpu.Handle, error) {
	info := &VkMemoryAllocateInfo{
		SType:           VK_STRUCTURE_TYPE_MEMORY_ALLOCATE_INFO,
		AllocationSize:  VkDeviceSize(size),
		MemoryTypeIndex: typeIndex,
	}
	var mem VkDeviceMemory
	if err := check(vkAllocateMemory(d.device, info, 0, &mem), "allocate memory"); err != nil {
		return 0, err
	}
	return gpu.Handle(mem), nil
}

func (d *Driver) FreeMemory(mem gpu.Handle) {
	vkFreeMemory(d.device, VkDeviceMemory(mem), 0)
}

func (d *Driver) BindBufferMemory(buf, mem gpu.Handle) error {
	return check(vkBindBufferMemory(d.device, VkBuffer(buf), VkDeviceMemory(mem), 0), "bind buffer memory")
}

func (d *Driver) MapMemory(mem gpu.Handle, size uint64) ([]byte, error) {
	var p unsafe.Pointer
	if err := check(vkMapMemory(d.device, VkDeviceMemory(mem), 0, VkDeviceSize(size), 0, &p), "map memory"); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (d *Driver) UnmapMemory(mem gpu.Handle) {
	vkUnmapMemory(d.device, VkDeviceMemory(mem))
}

// FlushMemory and InvalidateMemory cover the whole mapping; VK_WHOLE_SIZE
// sidesteps nonCoherentAtomSize rounding.
func (d *Driver) FlushMemory(mem gpu.Handle, size uint64) error {
	r := VkMappedMemoryRange{SType: VK_STRUCTURE_TYPE_MAPPED_MEMORY_RANGE, Memory: VkDeviceMemory(mem), Size: VkDeviceSize(VK_WHOLE_SIZE)}
	return check(vkFlushMappedMemoryRanges(d.device, 1, &r), "flush mapped memory")
}

func (d *Driver) InvalidateMemory(mem gpu.Handle, size uint64) error {
	r := VkMappedMemoryRange{SType: VK_STRUCTURE_TYPE_MAPPED_MEMORY_RANGE, Memory: VkDeviceMemory(mem), Size: VkDeviceSize(VK_WHOLE_SIZE)}
	return check(vkInvalidateMappedMemoryRanges(d.device, 1, &r), "invalidate mapped memory")
}

func (d *Driver) CreateShaderModule(code []byte) (gpu.Handle, error) {
	if !gpu.IsSPIRV(code) {
		return 0, errors.New("vulkan: shader is not a SPIR-V module")
	}
	words := make([]uint32, len(code)/4)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(code)), code)
	info := &VkShaderModuleCreateInfo{
		SType:    VK_STRUCTURE_TYPE_SHADER_MODULE_CREATE_INFO,
		CodeSize: uintptr(len(code)),
		PCode:    &words[0],
	}
	var module VkShaderModule
	r := vkCreateShaderModule(d.device, info, 0, &module)
	runtime.KeepAlive(words)
	if err := check(r, "create shader module"); err != nil {
		return 0, err
	}
	return gpu.Handle(module), nil
}

func (d *Driver) DestroyShaderModule(module gpu.Handle) {
	vkDestroyShaderModule(d.device, VkShaderModule(module), 0)
}

func (d *Driver) CreateDescriptorSetLayout(types []gpu.DescriptorType) (gpu.Handle, error) {
	if len(types) == 0 {
		return 0, errors.New("vulkan: empty descriptor set layout")
	}
	bindings := make([]VkDescriptorSetLayoutBinding, len(types))
	for i, t := range types {
		bindings[i] = VkDescriptorSetLayoutBinding{
			Binding:         uint32(i),
			DescriptorType:  uint32(t),
			DescriptorCount: 1,
			StageFlags:      VK_SHADER_STAGE_COMPUTE_BIT,
		}
	}
	info := &VkDescriptorSetLayoutCreateInfo{
		SType:        VK_STRUCTURE_TYPE_DESCRIPTOR_SET_LAYOUT_CREATE_INFO,
		BindingCount: uint32(len(bindings)),
		PBindings:    &bindings[0],
	}
	var layout VkDescriptorSetLayout
	r := vkCreateDescriptorSetLayout(d.device, info, 0, &layout)
	runtime.KeepAlive(bindings)
	if err := check(r, "create descriptor set layout"); err != nil {
		return 0, err
	}
	return gpu.Handle(layout), nil
}

func (d *Driver) DestroyDescriptorSetLayout(layout gpu.Handle) {
	vkDestroyDescriptorSetLayout(d.device, VkDescriptorSetLayout(layout), 0)
}

func (d *Driver) CreatePipelineLayout(setLayout gpu.Handle) (gpu.Handle, error) {
	sl := VkDescriptorSetLayout(setLayout)
	info := &VkPipelineLayoutCreateInfo{
		SType:          VK_STRUCTURE_TYPE_PIPELINE_LAYOUT_CREATE_INFO,
		SetLayoutCount: 1,
		PSetLayouts:    &sl,
	}
	var layout VkPipelineLayout
	if err := check(vkCreatePipelineLayout(d.device, info, 0, &layout), "create pipeline layout"); err != nil {
		return 0, err
	}
	return gpu.Handle(layout), nil
}

func (d *Driver) DestroyPipelineLayout(layout gpu.Handle) {
	vkDestroyPipelineLayout(d.device, VkPipelineLayout(layout), 0)
}

func (d *Driver) CreateComputePipeline(layout, module gpu.Handle, entryPoint string) (gpu.Handle, error) {
	name := cstr(entryPoint)
	info := &VkComputePipelineCreateInfo{
		SType: VK_STRUCTURE_TYPE_COMPUTE_PIPELINE_CREATE_INFO,
		Stage: VkPipelineShaderStageCreateInfo{
			SType:  VK_STRUCTURE_TYPE_PIPELINE_SHADER_STAGE_CREATE_INFO,
			Stage:  VK_SHADER_STAGE_COMPUTE_BIT,
			Module: VkShaderModule(module),
			PName:  name,
		},
		Layout:            VkPipelineLayout(layout),
		BasePipelineIndex: -1,
	}
	var pipeline VkPipeline
	r := vkCreateComputePipelines(d.device, 0, 1, info, 0, &pipeline)
	runtime.KeepAlive(name)
	if err := check(r, "create compute pipeline"); err != nil {
		return 0, err
	}
	return gpu.Handle(pipeline), nil
}

func (d *Driver) DestroyPipeline(pipeline gpu.Handle) {
	vkDestroyPipeline(d.device, VkPipeline(pipeline), 0)
}

func (d *Driver) CreateDescriptorPool(types []gpu.DescriptorType) (gpu.Handle, error) {
	counts := map[gpu.DescriptorType]uint32{}
	var order []gpu.DescriptorType
	for _, t := range types {
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	if len(order) == 0 {
		return 0, errors.New("vulkan: empty descriptor pool")
	}
	sizes := make([]VkDescriptorPoolSize, len(order))
	for i, t := range order {
		sizes[i] = VkDescriptorPoolSize{Type: uint32(t), DescriptorCount: counts[t]}
	}
	info := &VkDescriptorPoolCreateInfo{
		SType:         VK_STRUCTURE_TYPE_DESCRIPTOR_POOL_CREATE_INFO,
		MaxSets:       1,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    &sizes[0],
	}
	var pool VkDescriptorPool
	r := vkCreateDescriptorPool(d.device, info, 0, &pool)
	runtime.KeepAlive(sizes)
	if err := check(r, "create descriptor pool"); err != nil {
		return 0, err
	}
	return gpu.Handle(pool), nil
}

func (d *Driver) DestroyDescriptorPool(pool gpu.Handle) {
	vkDestroyDescriptorPool(d.device, VkDescriptorPool(pool), 0)
}

func (d *Driver) AllocateDescriptorSet(pool, setLayout gpu.Handle) (gpu.Handle, error) {
	sl := VkDescriptorSetLayout(setLayout)
	info := &VkDescriptorSetAllocateInfo{
		SType:              VK_STRUCTURE_TYPE_DESCRIPTOR_SET_ALLOCATE_INFO,
		DescriptorPool:     VkDescriptorPool(pool),
		DescriptorSetCount: 1,
		PSetLayouts:        &sl,
	}
	var set VkDescriptorSet
	if err := check(vkAllocateDescriptorSets(d.device, info, &set), "allocate descriptor set"); err != nil {
		return 0, err
	}
	return gpu.Handle(set), nil
}

func (d *Driver) UpdateDescriptorSet(set gpu.Handle, writes []gpu.DescriptorWrite) {
	if len(writes) == 0 {
		return
	}
	infos := make([]VkDescriptorBufferInfo, len(writes))
	vkWrites := make([]VkWriteDescriptorSet, len(writes))
	for i, w := range writes {
		infos[i] = VkDescriptorBufferInfo{
			Buffer: VkBuffer(w.Buffer),
			Offset: VkDeviceSize(w.Offset),
			Range:  VkDeviceSize(w.Range),
		}
		vkWrites[i] = VkWriteDescriptorSet{
			SType:           VK_STRUCTURE_TYPE_WRITE_DESCRIPTOR_SET,
			DstSet:          VkDescriptorSet(set),
			DstBinding:      w.Binding,
			DescriptorCount: 1,
			DescriptorType:  uint32(w.Type),
			PBufferInfo:     &infos[i],
		}
	}
	vkUpdateDescriptorSets(d.device, uint32(len(vkWrites)), &vkWrites[0], 0, 0)
	runtime.KeepAlive(infos)
	runtime.KeepAlive(vkWrites)
}

func (d *Driver) WaitIdle() error {
	if d.device == 0 {
		return nil
	}
	return check(vkDeviceWaitIdle(d.device), "device wait idle")
}

// Close destroys the fence and command pool, then the device, then the
// instance. Partially created drivers are handled.
func (d *Driver) Close() error {
	if d.device != 0 {
		if d.fence != 0 {
			vkDestroyFence(d.device, d.fence, 0)
			d.fence = 0
		}
		if d.commandPool != 0 {
			vkDestroyCommandPool(d.device, d.commandPool, 0)
			d.commandPool = 0
		}
		vkDestroyDevice(d.device, 0)
		d.device = 0
	}
	if d.instance != 0 {
		vkDestroyInstance(d.instance, 0)
		d.instance = 0
	}
	return nil
}
