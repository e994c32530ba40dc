package vulkan

import (
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// LibraryEnv overrides the loader library path.
const LibraryEnv = "FIELDBENCH_VULKAN_LIBRARY"

// ErrNotAvailable is returned when no Vulkan loader can be opened.
var ErrNotAvailable = errors.New("vulkan: Vulkan is not available (library not found)")

var (
	vulkanLib uintptr
	vulkanMu  sync.Mutex
	vulkanErr error

	vkCreateInstance                         func(pCreateInfo *VkInstanceCreateInfo, pAllocator uintptr, pInstance *VkInstance) VkResult
	vkDestroyInstance                        func(instance VkInstance, pAllocator uintptr)
	vkEnumeratePhysicalDevices               func(instance VkInstance, pPhysicalDeviceCount *uint32, pPhysicalDevices *VkPhysicalDevice) VkResult
	vkGetPhysicalDeviceProperties            func(physicalDevice VkPhysicalDevice, pProperties *VkPhysicalDeviceProperties)
	vkGetPhysicalDeviceMemoryProperties      func(physicalDevice VkPhysicalDevice, pMemoryProperties *VkPhysicalDeviceMemoryProperties)
	vkGetPhysicalDeviceQueueFamilyProperties func(physicalDevice VkPhysicalDevice, pQueueFamilyPropertyCount *uint32, pQueueFamilyProperties *VkQueueFamilyProperties)
	vkCreateDevice                           func(physicalDevice VkPhysicalDevice, pCreateInfo *VkDeviceCreateInfo, pAllocator uintptr, pDevice *VkDevice) VkResult
	vkDestroyDevice                          func(device VkDevice, pAllocator uintptr)
	vkGetDeviceQueue                         func(device VkDevice, queueFamilyIndex uint32, queueIndex uint32, pQueue *VkQueue)
	vkDeviceWaitIdle                         func(device VkDevice) VkResult
	vkQueueSubmit                            func(queue VkQueue, submitCount uint32, pSubmits *VkSubmitInfo, fence VkFence) VkResult

	vkCreateBuffer                 func(device VkDevice, pCreateInfo *VkBufferCreateInfo, pAllocator uintptr, pBuffer *VkBuffer) VkResult
	vkDestroyBuffer                func(device VkDevice, buffer VkBuffer, pAllocator uintptr)
	vkGetBufferMemoryRequirements  func(device VkDevice, buffer VkBuffer, pMemoryRequirements *VkMemoryRequirements)
	vkAllocateMemory               func(device VkDevice, pAllocateInfo *VkMemoryAllocateInfo, pAllocator uintptr, pMemory *VkDeviceMemory) VkResult
	vkFreeMemory                   func(device VkDevice, memory VkDeviceMemory, pAllocator uintptr)
	vkBindBufferMemory             func(device VkDevice, buffer VkBuffer, memory VkDeviceMemory, memoryOffset VkDeviceSize) VkResult
	vkMapMemory                    func(device VkDevice, memory VkDeviceMemory, offset VkDeviceSize, size VkDeviceSize, flags uint32, ppData *unsafe.Pointer) VkResult
	vkUnmapMemory                  func(device VkDevice, memory VkDeviceMemory)
	vkFlushMappedMemoryRanges      func(device VkDevice, count uint32, pRanges *VkMappedMemoryRange) VkResult
	vkInvalidateMappedMemoryRanges func(device VkDevice, count uint32, pRanges *VkMappedMemoryRange) VkResult

	vkCreateShaderModule         func(device VkDevice, pCreateInfo *VkShaderModuleCreateInfo, pAllocator uintptr, pModule *VkShaderModule) VkResult
	vkDestroyShaderModule        func(device VkDevice, module VkShaderModule, pAllocator uintptr)
	vkCreateDescriptorSetLayout  func(device VkDevice, pCreateInfo *VkDescriptorSetLayoutCreateInfo, pAllocator uintptr, pLayout *VkDescriptorSetLayout) VkResult
	vkDestroyDescriptorSetLayout func(device VkDevice, layout VkDescriptorSetLayout, pAllocator uintptr)
	vkCreatePipelineLayout       func(device VkDevice, pCreateInfo *VkPipelineLayoutCreateInfo, pAllocator uintptr, pLayout *VkPipelineLayout) VkResult
	vkDestroyPipelineLayout      func(device VkDevice, layout VkPipelineLayout, pAllocator uintptr)
	vkCreateComputePipelines     func(device VkDevice, cache uint64, count uint32, pCreateInfos *VkComputePipelineCreateInfo, pAllocator uintptr, pPipelines *VkPipeline) VkResult
	vkDestroyPipeline            func(device VkDevice, pipeline VkPipeline, pAllocator uintptr)
	vkCreateDescriptorPool       func(device VkDevice, pCreateInfo *VkDescriptorPoolCreateInfo, pAllocator uintptr, pPool *VkDescriptorPool) VkResult
	vkDestroyDescriptorPool      func(device VkDevice, pool VkDescriptorPool, pAllocator uintptr)
	vkAllocateDescriptorSets     func(device VkDevice, pAllocateInfo *VkDescriptorSetAllocateInfo, pSets *VkDescriptorSet) VkResult
	vkUpdateDescriptorSets       func(device VkDevice, writeCount uint32, pWrites *VkWriteDescriptorSet, copyCount uint32, pCopies uintptr)

	vkCreateCommandPool      func(device VkDevice, pCreateInfo *VkCommandPoolCreateInfo, pAllocator uintptr, pCommandPool *VkCommandPool) VkResult
	vkDestroyCommandPool     func(device VkDevice, commandPool VkCommandPool, pAllocator uintptr)
	vkAllocateCommandBuffers func(device VkDevice, pAllocateInfo *VkCommandBufferAllocateInfo, pCommandBuffers *VkCommandBuffer) VkResult
	vkFreeCommandBuffers     func(device VkDevice, commandPool VkCommandPool, count uint32, pCommandBuffers *VkCommandBuffer)
	vkBeginCommandBuffer     func(cmd VkCommandBuffer, pBeginInfo *VkCommandBufferBeginInfo) VkResult
	vkEndCommandBuffer       func(cmd VkCommandBuffer) VkResult

	vkCmdCopyBuffer         func(cmd VkCommandBuffer, src VkBuffer, dst VkBuffer, regionCount uint32, pRegions *VkBufferCopy)
	vkCmdFillBuffer         func(cmd VkCommandBuffer, dst VkBuffer, offset VkDeviceSize, size VkDeviceSize, data uint32)
	vkCmdUpdateBuffer       func(cmd VkCommandBuffer, dst VkBuffer, offset VkDeviceSize, size VkDeviceSize, pData unsafe.Pointer)
	vkCmdPipelineBarrier    func(cmd VkCommandBuffer, srcStage uint32, dstStage uint32, dependencyFlags uint32, memoryBarrierCount uint32, pMemoryBarriers uintptr, bufferBarrierCount uint32, pBufferBarriers *VkBufferMemoryBarrier, imageBarrierCount uint32, pImageBarriers uintptr)
	vkCmdBindPipeline       func(cmd VkCommandBuffer, bindPoint uint32, pipeline VkPipeline)
	vkCmdBindDescriptorSets func(cmd VkCommandBuffer, bindPoint uint32, layout VkPipelineLayout, firstSet uint32, setCount uint32, pSets *VkDescriptorSet, dynamicOffsetCount uint32, pDynamicOffsets uintptr)
	vkCmdDispatch           func(cmd VkCommandBuffer, x uint32, y uint32, z uint32)

	vkCreateFence   func(device VkDevice, pCreateInfo *VkFenceCreateInfo, pAllocator uintptr, pFence *VkFence) VkResult
	vkDestroyFence  func(device VkDevice, fence VkFence, pAllocator uintptr)
	vkWaitForFences func(device VkDevice, count uint32, pFences *VkFence, waitAll uint32, timeout uint64) VkResult
	vkResetFences   func(device VkDevice, count uint32, pFences *VkFence) VkResult
)

// initVulkan opens the loader once. A failure is remembered.
func initVulkan() error {
	vulkanMu.Lock()
	defer vulkanMu.Unlock()

	if vulkanLib != 0 {
		return nil
	}
	if vulkanErr != nil {
		return vulkanErr
	}

	names := libraryNames()
	if path := os.Getenv(LibraryEnv); path != "" {
		names = []string{path}
	}

	var lastErr error
	for _, name := range names {
		lib, err := openLibrary(name)
		if err != nil {
			lastErr = err
			continue
		}
		if err := registerFunctions(lib); err != nil {
			vulkanErr = err
			return err
		}
		vulkanLib = lib
		return nil
	}
	vulkanErr = errors.Wrapf(ErrNotAvailable, "tried %v: %v", names, lastErr)
	return vulkanErr
}

// registerFunctions binds every entry point, turning a missing symbol into an
// error.
func registerFunctions(lib uintptr) (err error) {
	var current string
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("vulkan: loading %s: %v", current, r)
		}
	}()

	bind := func(fptr interface{}, name string) {
		current = name
		purego.RegisterLibFunc(fptr, lib, name)
	}

	bind(&vkCreateInstance, "vkCreateInstance")
	bind(&vkDestroyInstance, "vkDestroyInstance")
	bind(&vkEnumeratePhysicalDevices, "vkEnumeratePhysicalDevices")
	bind(&vkGetPhysicalDeviceProperties, "vkGetPhysicalDeviceProperties")
	bind(&vkGetPhysicalDeviceMemoryProperties, "vkGetPhysicalDeviceMemoryProperties")
	bind(&vkGetPhysicalDeviceQueueFamilyProperties, "vkGetPhysicalDeviceQueueFamilyProperties")
	bind(&vkCreateDevice, "vkCreateDevice")
	bind(&vkDestroyDevice, "vkDestroyDevice")
	bind(&vkGetDeviceQueue, "vkGetDeviceQueue")
	bind(&vkDeviceWaitIdle, "vkDeviceWaitIdle")
	bind(&vkQueueSubmit, "vkQueueSubmit")

	bind(&vkCreateBuffer, "vkCreateBuffer")
	bind(&vkDestroyBuffer, "vkDestroyBuffer")
	bind(&vkGetBufferMemoryRequirements, "vkGetBufferMemoryRequirements")
	bind(&vkAllocateMemory, "vkAllocateMemory")
	bind(&vkFreeMemory, "vkFreeMemory")
	bind(&vkBindBufferMemory, "vkBindBufferMemory")
	bind(&vkMapMemory, "vkMapMemory")
	bind(&vkUnmapMemory, "vkUnmapMemory")
	bind(&vkFlushMappedMemoryRanges, "vkFlushMappedMemoryRanges")
	bind(&vkInvalidateMappedMemoryRanges, "vkInvalidateMappedMemoryRanges")

	bind(&vkCreateShaderModule, "vkCreateShaderModule")
	bind(&vkDestroyShaderModule, "vkDestroyShaderModule")
	bind(&vkCreateDescriptorSetLayout, "vkCreateDescriptorSetLayout")
	bind(&vkDestroyDescriptorSetLayout, "vkDestroyDescriptorSetLayout")
	bind(&vkCreatePipelineLayout, "vkCreatePipelineLayout")
	bind(&vkDestroyPipelineLayout, "vkDestroyPipelineLayout")
	bind(&vkCreateComputePipelines, "vkCreateComputePipelines")
	bind(&vkDestroyPipeline, "vkDestroyPipeline")
	bind(&vkCreateDescriptorPool, "vkCreateDescriptorPool")
	bind(&vkDestroyDescriptorPool, "vkDestroyDescriptorPool")
	bind(&vkAllocateDescriptorSets, "vkAllocateDescriptorSets")
	bind(&vkUpdateDescriptorSets, "vkUpdateDescriptorSets")

	bind(&vkCreateCommandPool, "vkCreateCommandPool")
	bind(&vkDestroyCommandPool, "vkDestroyCommandPool")
	bind(&vkAllocateCommandBuffers, "vkAllocateCommandBuffers")
	bind(&vkFreeCommandBuffers, "vkFreeCommandBuffers")
	bind(&vkBeginCommandBuffer, "vkBeginCommandBuffer")
	bind(&vkEndCommandBuffer, "vkEndCommandBuffer")

	bind(&vkCmdCopyBuffer, "vkCmdCopyBuffer")
	bind(&vkCmdFillBuffer, "vkCmdFillBuffer")
	bind(&vkCmdUpdateBuffer, "vkCmdUpdateBuffer")
	bind(&vkCmdPipelineBarrier, "vkCmdPipelineBarrier")
	bind(&vkCmdBindPipeline, "vkCmdBindPipeline")
	bind(&vkCmdBindDescriptorSets, "vkCmdBindDescriptorSets")
	bind(&vkCmdDispatch, "vkCmdDispatch")

	bind(&vkCreateFence, "vkCreateFence")
	bind(&vkDestroyFence, "vkDestroyFence")
	bind(&vkWaitForFences, "vkWaitForFences")
	bind(&vkResetFences, "vkResetFences")
	return nil
}

// Available reports whether a Vulkan loader could be opened.
func Available() bool {
	return initVulkan() == nil
}

func check(r VkResult, op string) error {
	if r == VK_SUCCESS {
		return nil
	}
	return errors.Errorf("vulkan: %s: %s", op, r)
}
