package vulkan

import (
	"runtime"
	"unsafe"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/pkg/errors"
)

type commandBuffer struct {
	d   *Driver
	cmd VkCommandBuffer
}

func (d *Driver) BeginCommandBuffer() (gpu.CommandBuffer, error) {
	info := &VkCommandBufferAllocateInfo{
		SType:              VK_STRUCTURE_TYPE_COMMAND_BUFFER_ALLOCATE_INFO,
		CommandPool:        d.commandPool,
		Level:              VK_COMMAND_BUFFER_LEVEL_PRIMARY,
		CommandBufferCount: 1,
	}
	c := &commandBuffer{d: d}
	if err := check(vkAllocateCommandBuffers(d.device, info, &c.cmd), "allocate command buffer"); err != nil {
		return nil, err
	}
	begin := &VkCommandBufferBeginInfo{
		SType: VK_STRUCTURE_TYPE_COMMAND_BUFFER_BEGIN_INFO,
		Flags: VK_COMMAND_BUFFER_USAGE_ONE_TIME_SUBMIT_BIT,
	}
	if err := check(vkBeginCommandBuffer(c.cmd, begin), "begin command buffer"); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

func (c *commandBuffer) CopyBuffer(src, dst gpu.Handle, size uint64) {
	region := &VkBufferCopy{Size: VkDeviceSize(size)}
	vkCmdCopyBuffer(c.cmd, VkBuffer(src), VkBuffer(dst), 1, region)
}

func (c *commandBuffer) FillBuffer(dst gpu.Handle, size uint64, value uint32) {
	vkCmdFillBuffer(c.cmd, VkBuffer(dst), 0, VkDeviceSize(size), value)
}

func (c *commandBuffer) UpdateBuffer(dst gpu.Handle, data []byte) {
	if len(data) == 0 {
		return
	}
	vkCmdUpdateBuffer(c.cmd, VkBuffer(dst), 0, VkDeviceSize(len(data)), unsafe.Pointer(&data[0]))
	runtime.KeepAlive(data)
}

func (c *commandBuffer) PipelineBarrier(src, dst gpu.PipelineStage, barriers ...gpu.BufferBarrier) {
	if len(barriers) == 0 {
		return
	}
	vk := make([]VkBufferMemoryBarrier, len(barriers))
	for i, b := range barriers {
		size := VkDeviceSize(b.Size)
		if size == 0 {
			size = VkDeviceSize(VK_WHOLE_SIZE)
		}
		vk[i] = VkBufferMemoryBarrier{
			SType:               VK_STRUCTURE_TYPE_BUFFER_MEMORY_BARRIER,
			SrcAccessMask:       uint32(b.SrcAccess),
			DstAccessMask:       uint32(b.DstAccess),
			SrcQueueFamilyIndex: VK_QUEUE_FAMILY_IGNORED,
			DstQueueFamilyIndex: VK_QUEUE_FAMILY_IGNORED,
			Buffer:              VkBuffer(b.Buffer),
			Offset:              VkDeviceSize(b.Offset),
			Size:                size,
		}
	}
	vkCmdPipelineBarrier(c.cmd, uint32(src), uint32(dst), 0, 0, 0, uint32(len(vk)), &vk[0], 0, 0)
	runtime.KeepAlive(vk)
}

func (c *commandBuffer) BindComputePipeline(pipeline gpu.Handle) {
	vkCmdBindPipeline(c.cmd, VK_PIPELINE_BIND_POINT_COMPUTE, VkPipeline(pipeline))
}

func (c *commandBuffer) BindDescriptorSet(layout, set gpu.Handle) {
	s := VkDescriptorSet(set)
	vkCmdBindDescriptorSets(c.cmd, VK_PIPELINE_BIND_POINT_COMPUTE, VkPipelineLayout(layout), 0, 1, &s, 0, 0)
}

func (c *commandBuffer) Dispatch(x, y, z uint32) {
	vkCmdDispatch(c.cmd, x, y, z)
}

func (c *commandBuffer) End() error {
	return check(vkEndCommandBuffer(c.cmd), "end command buffer")
}

func (c *commandBuffer) Release() {
	if c.cmd == 0 {
		return
	}
	vkFreeCommandBuffers(c.d.device, c.d.commandPool, 1, &c.cmd)
	c.cmd = 0
}

// Submit runs cmd on the compute queue and waits on the fence without a
// timeout.
func (d *Driver) Submit(cmd gpu.CommandBuffer) error {
	c, ok := cmd.(*commandBuffer)
	if !ok || c.d != d {
		return errors.New("vulkan: foreign command buffer")
	}
	if err := check(vkResetFences(d.device, 1, &d.fence), "reset fence"); err != nil {
		return err
	}
	submit := &VkSubmitInfo{
		SType:              VK_STRUCTURE_TYPE_SUBMIT_INFO,
		CommandBufferCount: 1,
		PCommandBuffers:    &c.cmd,
	}
	if err := check(vkQueueSubmit(d.queue, 1, submit, d.fence), "queue submit"); err != nil {
		return err
	}
	return check(vkWaitForFences(d.device, 1, &d.fence, 1, ^uint64(0)), "wait for fence")
}
