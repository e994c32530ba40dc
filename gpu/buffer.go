package gpu

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// MaxUpdateSize is the largest inline update a command buffer accepts.
const MaxUpdateSize = 65536

// BufferType selects how a buffer is bound and whether the host can reach it.
type BufferType int

const (
	// Storage is a read-write shader resource.
	Storage BufferType = iota
	// Uniform is a read-only constant block.
	Uniform
	// DeviceOnly is device-local scratch with no host path.
	DeviceOnly
)

func (t BufferType) String() string {
	switch t {
	case Storage:
		return "storage"
	case Uniform:
		return "uniform"
	case DeviceOnly:
		return "device-only"
	}
	return fmt.Sprintf("BufferType(%d)", int(t))
}

func (t BufferType) descriptorType() DescriptorType {
	if t == Uniform {
		return DescriptorUniformBuffer
	}
	return DescriptorStorageBuffer
}

func (t BufferType) usage() (primary, staging BufferUsage) {
	switch t {
	case Uniform:
		return UsageUniform | UsageTransferDst, UsageTransferSrc
	case DeviceOnly:
		return UsageStorage | UsageTransferSrc | UsageTransferDst, 0
	default:
		return UsageStorage | UsageTransferSrc | UsageTransferDst, UsageTransferSrc | UsageTransferDst
	}
}

// Buffer is one device data block. It is backed either by a single memory
// region that is both device-local and host-visible, or by a device-local
// primary region plus a host-visible staging region.
type Buffer struct {
	session *Session
	drv     Driver
	log     logrus.FieldLogger

	name string
	typ  BufferType
	size uint64

	primary allocation
	staging allocation
	shared  bool

	pendingUpload bool
	destroyed     bool
}

// NewBuffer allocates a buffer of size bytes on the session's device.
func NewBuffer(s *Session, name string, size uint64, typ BufferType) (*Buffer, error) {
	op := "new buffer " + name
	if size == 0 {
		return nil, errorf(AllocationFailure, op, "zero-sized buffer")
	}
	if s.isClosed() {
		return nil, errorf(RuntimeDeviceError, op, "session closed")
	}

	b := &Buffer{
		session: s,
		drv:     s.drv,
		log:     s.log.WithField("buffer", name),
		name:    name,
		typ:     typ,
		size:    size,
	}
	if err := b.build(); err != nil {
		b.release()
		return nil, newError(AllocationFailure, op, err)
	}
	s.track(b)

	b.log.WithFields(logrus.Fields{
		"size":    size,
		"type":    typ,
		"shared":  b.shared,
		"primary": b.primary.flags,
	}).Debug("buffer allocated")
	return b, nil
}

func (b *Buffer) build() error {
	primaryUsage, stagingUsage := b.typ.usage()

	if b.typ != DeviceOnly {
		a, ok, err := allocate(b.drv, b.size, primaryUsage, MemoryDeviceLocal|MemoryHostVisible, MemoryHostCoherent, true)
		if err != nil {
			// a full shared heap still leaves the staged path
			b.log.WithError(err).Debug("shared memory unavailable, falling back to staging")
			ok = false
		}
		if ok {
			b.primary, b.shared = a, true
			return nil
		}
	}

	a, ok, err := allocate(b.drv, b.size, primaryUsage, MemoryDeviceLocal, 0, false)
	if err != nil {
		return err
	}
	if !ok {
		return errorf(AllocationFailure, "select memory", "no device-local memory type for %d bytes", b.size)
	}
	b.primary = a
	if b.typ == DeviceOnly {
		return nil
	}

	a, ok, err = allocate(b.drv, b.size, stagingUsage, MemoryHostVisible, MemoryHostCoherent, true)
	if err != nil {
		return err
	}
	if !ok {
		return errorf(AllocationFailure, "select memory", "no host-visible memory type for %d byte staging", b.size)
	}
	b.staging = a
	return nil
}

// host returns the host-mapped allocation.
func (b *Buffer) host() *allocation {
	if b.shared {
		return &b.primary
	}
	return &b.staging
}

func (b *Buffer) checkHost(op string, n int) error {
	if b.destroyed {
		return errorf(RuntimeDeviceError, op, "buffer %s destroyed", b.name)
	}
	if b.typ == DeviceOnly {
		return errorf(AllocationFailure, op, "buffer %s has no host path", b.name)
	}
	if uint64(n) > b.size {
		return errorf(AllocationFailure, op, "%d bytes exceeds capacity %d of buffer %s", n, b.size, b.name)
	}
	return nil
}

// CopyFromLocal copies data into the host-visible region. For a staged
// buffer the device copy is recorded by the next RecordCopyToDevice.
func (b *Buffer) CopyFromLocal(data []byte) error {
	const op = "copy from local"
	if err := b.checkHost(op, len(data)); err != nil {
		return err
	}
	h := b.host()
	copy(h.mapped, data)
	if !h.flags.Has(MemoryHostCoherent) {
		if err := b.drv.FlushMemory(h.memory, b.size); err != nil {
			return newError(RuntimeDeviceError, op, err)
		}
	}
	if !b.shared {
		b.pendingUpload = true
	}
	return nil
}

// CopyToLocal copies the host-visible region into dst. The device-to-host
// transfer must already have been submitted and waited on.
func (b *Buffer) CopyToLocal(dst []byte) error {
	const op = "copy to local"
	if err := b.checkHost(op, len(dst)); err != nil {
		return err
	}
	h := b.host()
	if !h.flags.Has(MemoryHostCoherent) {
		if err := b.drv.InvalidateMemory(h.memory, b.size); err != nil {
			return newError(RuntimeDeviceError, op, err)
		}
	}
	copy(dst, h.mapped)
	return nil
}

// RecordCopyToDevice records the staging to primary transfer if an upload is
// pending. It is a no-op for shared buffers.
func (b *Buffer) RecordCopyToDevice(cmd CommandBuffer) {
	if b.shared || !b.pendingUpload || b.staging.buffer == 0 {
		return
	}
	cmd.CopyBuffer(b.staging.buffer, b.primary.buffer, b.size)
	b.pendingUpload = false
}

// RecordCopyFromDevice records the primary to staging transfer. It is a
// no-op for shared and device-only buffers.
func (b *Buffer) RecordCopyFromDevice(cmd CommandBuffer) {
	if b.shared || b.staging.buffer == 0 {
		return
	}
	cmd.CopyBuffer(b.primary.buffer, b.staging.buffer, b.size)
}

// RecordMemoryBarrier records a buffer memory barrier over the whole buffer.
// For a staged buffer a barrier involving the host stage applies to the
// staging region; every other barrier applies to the primary region.
func (b *Buffer) RecordMemoryBarrier(cmd CommandBuffer, srcAccess, dstAccess AccessFlags, srcStage, dstStage PipelineStage) {
	target := b.primary.buffer
	if !b.shared && b.staging.buffer != 0 && (srcStage|dstStage)&StageHost != 0 {
		target = b.staging.buffer
	}
	cmd.PipelineBarrier(srcStage, dstStage, BufferBarrier{
		Buffer:    target,
		SrcAccess: srcAccess,
		DstAccess: dstAccess,
		Size:      b.size,
	})
}

// Fill records a fill of the primary region with a repeated 32-bit value.
// A trailing partial word is left untouched.
func (b *Buffer) Fill(cmd CommandBuffer, value uint32) {
	cmd.FillBuffer(b.primary.buffer, b.size&^3, value)
}

// Update records an inline write of data at the start of the primary region.
func (b *Buffer) Update(cmd CommandBuffer, data []byte) error {
	const op = "update"
	switch {
	case len(data) == 0 || len(data)%4 != 0:
		return errorf(AllocationFailure, op, "update of %d bytes is not a positive multiple of 4", len(data))
	case len(data) > MaxUpdateSize:
		return errorf(AllocationFailure, op, "update of %d bytes exceeds %d", len(data), MaxUpdateSize)
	case uint64(len(data)) > b.size:
		return errorf(AllocationFailure, op, "%d bytes exceeds capacity %d of buffer %s", len(data), b.size, b.name)
	}
	cmd.UpdateBuffer(b.primary.buffer, data)
	return nil
}

// DescriptorInfo returns the descriptor write for binding this buffer.
func (b *Buffer) DescriptorInfo(binding uint32) DescriptorWrite {
	return DescriptorWrite{
		Binding: binding,
		Type:    b.typ.descriptorType(),
		Buffer:  b.primary.buffer,
		Range:   b.size,
	}
}

// Name is the label given at construction.
func (b *Buffer) Name() string { return b.name }

// Size is the requested byte length.
func (b *Buffer) Size() uint64 { return b.size }

// Type is the buffer type.
func (b *Buffer) Type() BufferType { return b.typ }

// Shared reports whether the buffer uses a single host-visible device region.
func (b *Buffer) Shared() bool { return b.shared }

// MemoryFlags returns the properties of the primary and staging memory. The
// staging flags are zero for shared and device-only buffers.
func (b *Buffer) MemoryFlags() (primary, staging MemoryProperty) {
	return b.primary.flags, b.staging.flags
}

func (b *Buffer) placement() string {
	switch {
	case b.shared:
		return fmt.Sprintf("shared [%s]", b.primary.flags)
	case b.typ == DeviceOnly:
		return fmt.Sprintf("device [%s]", b.primary.flags)
	default:
		return fmt.Sprintf("staged [%s] <- [%s]", b.primary.flags, b.staging.flags)
	}
}

func (b *Buffer) release() {
	b.staging.release(b.drv)
	b.primary.release(b.drv)
}

func (b *Buffer) destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.release()
}

// Destroy releases the device buffers, then their memory. It is safe to call
// more than once.
func (b *Buffer) Destroy() {
	if b.destroyed {
		return
	}
	b.destroy()
	b.session.untrack(b)
}
