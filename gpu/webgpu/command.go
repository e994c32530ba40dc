package webgpu

import (
	"encoding/binary"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

type opKind int

const (
	opCopy opKind = iota
	opFill
	opUpdate
	opDispatch
)

type op struct {
	kind     opKind
	src, dst gpu.Handle
	size     uint64
	value    uint32
	data     []byte
	pipeline gpu.Handle
	set      gpu.Handle
	groups   [3]uint32
}

// commandBuffer records operations; barriers are dropped because wgpu
// tracks buffer hazards itself.
type commandBuffer struct {
	d        *Driver
	ops      []op
	pipeline gpu.Handle
	set      gpu.Handle
	ended    bool
}

func (d *Driver) BeginCommandBuffer() (gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("webgpu: device closed")
	}
	return &commandBuffer{d: d}, nil
}

func (c *commandBuffer) CopyBuffer(src, dst gpu.Handle, size uint64) {
	c.ops = append(c.ops, op{kind: opCopy, src: src, dst: dst, size: size})
}

func (c *commandBuffer) FillBuffer(dst gpu.Handle, size uint64, value uint32) {
	c.ops = append(c.ops, op{kind: opFill, dst: dst, size: size, value: value})
}

func (c *commandBuffer) UpdateBuffer(dst gpu.Handle, data []byte) {
	c.ops = append(c.ops, op{kind: opUpdate, dst: dst, data: append([]byte(nil), data...)})
}

func (c *commandBuffer) PipelineBarrier(gpu.PipelineStage, gpu.PipelineStage, ...gpu.BufferBarrier) {}

func (c *commandBuffer) BindComputePipeline(pipeline gpu.Handle) { c.pipeline = pipeline }

func (c *commandBuffer) BindDescriptorSet(_, set gpu.Handle) { c.set = set }

func (c *commandBuffer) Dispatch(x, y, z uint32) {
	c.ops = append(c.ops, op{kind: opDispatch, pipeline: c.pipeline, set: c.set, groups: [3]uint32{x, y, z}})
}

func (c *commandBuffer) End() error {
	c.ended = true
	return nil
}

func (c *commandBuffer) Release() { c.ops = nil }

// readback is a pending device-to-host copy resolved after the encoder that
// carries it is submitted.
type readback struct {
	buf  *wgpu.Buffer
	host []byte
}

// submission replays recorded ops onto a command encoder. Host writes go
// through the queue, so the open encoder is flushed before each one to keep
// program order.
type submission struct {
	d         *Driver
	enc       *wgpu.CommandEncoder
	readbacks []readback
}

func (s *submission) encoder() (*wgpu.CommandEncoder, error) {
	if s.enc == nil {
		enc, err := s.d.device.CreateCommandEncoder(nil)
		if err != nil {
			return nil, errors.Wrap(err, "webgpu: create command encoder")
		}
		s.enc = enc
	}
	return s.enc, nil
}

func (s *submission) flush() error {
	if s.enc != nil {
		enc := s.enc
		s.enc = nil
		cb, err := enc.Finish(nil)
		enc.Release()
		if err != nil {
			return errors.Wrap(err, "webgpu: finish command encoder")
		}
		s.d.queue.Submit(cb)
		cb.Release()
	}
	if len(s.readbacks) == 0 {
		return nil
	}
	s.d.device.Poll(true, nil)
	for len(s.readbacks) > 0 {
		r := s.readbacks[0]
		err := s.d.mapRead(r.buf, r.host)
		r.buf.Release()
		s.readbacks = s.readbacks[1:]
		if err != nil {
			s.release()
			return err
		}
	}
	return nil
}

func (s *submission) release() {
	if s.enc != nil {
		s.enc.Release()
		s.enc = nil
	}
	for _, r := range s.readbacks {
		r.buf.Release()
	}
	s.readbacks = nil
}

func (d *Driver) mapRead(buf *wgpu.Buffer, host []byte) error {
	size := uint64(len(host))
	done := false
	var status wgpu.BufferMapAsyncStatus
	buf.MapAsync(wgpu.MapModeRead, 0, (size+3)&^3, func(st wgpu.BufferMapAsyncStatus) {
		status = st
		done = true
	})
	for !done {
		d.device.Poll(true, nil)
	}
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return errors.Errorf("webgpu: map readback buffer: status %d", status)
	}
	copy(host, buf.GetMappedRange(0, uint((size+3)&^3)))
	buf.Unmap()
	return nil
}

// Submit replays cmd and blocks until the queue has drained.
func (d *Driver) Submit(cmd gpu.CommandBuffer) error {
	c, ok := cmd.(*commandBuffer)
	if !ok || c.d != d {
		return errors.New("webgpu: foreign command buffer")
	}
	if !c.ended {
		return errors.New("webgpu: command buffer not ended")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("webgpu: device closed")
	}
	s := &submission{d: d}
	for _, o := range c.ops {
		if err := s.apply(o); err != nil {
			s.release()
			return err
		}
	}
	if err := s.flush(); err != nil {
		return err
	}
	d.device.Poll(true, nil)
	return nil
}

func (s *submission) apply(o op) error {
	d := s.d
	switch o.kind {
	case opCopy:
		src, ok := d.buffers[o.src]
		dst, ok2 := d.buffers[o.dst]
		if !ok || !ok2 || src.mem == nil || dst.mem == nil {
			return errors.New("webgpu: copy between unbound buffers")
		}
		if o.size > src.size || o.size > dst.size {
			return errors.Errorf("webgpu: copy of %d bytes exceeds buffer size", o.size)
		}
		return s.copy(src, dst, o.size)
	case opFill:
		data := make([]byte, o.size&^3)
		for i := 0; i+4 <= len(data); i += 4 {
			binary.LittleEndian.PutUint32(data[i:], o.value)
		}
		return s.write(o.dst, data)
	case opUpdate:
		return s.write(o.dst, o.data)
	case opDispatch:
		p, ok := d.pipes[o.pipeline]
		if !ok {
			return errors.New("webgpu: dispatch without a bound pipeline")
		}
		set, ok := d.sets[o.set]
		if !ok {
			return errors.New("webgpu: dispatch without a bound descriptor set")
		}
		if set.err != nil {
			return set.err
		}
		if set.bg == nil {
			return errors.New("webgpu: descriptor set was never written")
		}
		enc, err := s.encoder()
		if err != nil {
			return err
		}
		pass := enc.BeginComputePass(nil)
		pass.SetPipeline(p)
		pass.SetBindGroup(0, set.bg, nil)
		pass.DispatchWorkgroups(o.groups[0], o.groups[1], o.groups[2])
		pass.End()
	}
	return nil
}

func (s *submission) copy(src, dst *buffer, size uint64) error {
	switch {
	case src.wb != nil && dst.wb != nil:
		enc, err := s.encoder()
		if err != nil {
			return err
		}
		enc.CopyBufferToBuffer(src.wb, 0, dst.wb, 0, (size+3)&^3)
	case src.wb == nil && dst.wb != nil:
		if err := s.flush(); err != nil {
			return err
		}
		s.d.queue.WriteBuffer(dst.wb, 0, padded(src.mem.host[:size]))
	case src.wb != nil && dst.wb == nil:
		rb, err := s.d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "fieldbench_readback",
			Size:  (size + 3) &^ 3,
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return errors.Wrap(err, "webgpu: create readback buffer")
		}
		enc, err := s.encoder()
		if err != nil {
			rb.Release()
			return err
		}
		enc.CopyBufferToBuffer(src.wb, 0, rb, 0, (size+3)&^3)
		s.readbacks = append(s.readbacks, readback{buf: rb, host: dst.mem.host[:size]})
	default:
		if err := s.flush(); err != nil {
			return err
		}
		copy(dst.mem.host[:size], src.mem.host[:size])
	}
	return nil
}

func (s *submission) write(h gpu.Handle, data []byte) error {
	b, ok := s.d.buffers[h]
	if !ok || b.mem == nil {
		return errors.New("webgpu: write to unbound buffer")
	}
	if uint64(len(data)) > b.size {
		return errors.Errorf("webgpu: write of %d bytes exceeds buffer size %d", len(data), b.size)
	}
	if err := s.flush(); err != nil {
		return err
	}
	if b.wb == nil {
		copy(b.mem.host, data)
		return nil
	}
	if len(data) > 0 {
		s.d.queue.WriteBuffer(b.wb, 0, padded(data))
	}
	return nil
}

// padded extends data to a multiple of four bytes as WriteBuffer requires.
func padded(data []byte) []byte {
	if len(data)%4 == 0 {
		return data
	}
	out := make([]byte, (len(data)+3)&^3)
	copy(out, data)
	return out
}
