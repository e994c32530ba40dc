package soft

import (
	"encoding/binary"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/pkg/errors"
)

// OpKind names one executed device operation.
type OpKind string

const (
	OpCopy         OpKind = "copy"
	OpFill         OpKind = "fill"
	OpUpdate       OpKind = "update"
	OpBarrier      OpKind = "barrier"
	OpBindPipeline OpKind = "bind-pipeline"
	OpBindSet      OpKind = "bind-set"
	OpDispatch     OpKind = "dispatch"
	OpFlush        OpKind = "flush"
	OpInvalidate   OpKind = "invalidate"
)

// Op is one trace entry. Barriers produce one entry per buffer barrier.
type Op struct {
	Kind      OpKind
	Src, Dst  gpu.Handle
	Size      uint64
	SrcStage  gpu.PipelineStage
	DstStage  gpu.PipelineStage
	SrcAccess gpu.AccessFlags
	DstAccess gpu.AccessFlags
	Groups    [3]uint32
}

// Trace returns the operations executed so far, in order.
func (d *Driver) Trace() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.trace...)
}

// ResetTrace clears the trace.
func (d *Driver) ResetTrace() {
	d.mu.Lock()
	d.trace = nil
	d.mu.Unlock()
}

// Kinds returns just the kinds of the trace.
func Kinds(ops []Op) []OpKind {
	out := make([]OpKind, len(ops))
	for i, op := range ops {
		out[i] = op.Kind
	}
	return out
}

type commandBuffer struct {
	ops    []Op
	data   [][]byte
	ended  bool
	driver *Driver
}

func (d *Driver) BeginCommandBuffer() (gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("soft: device closed")
	}
	return &commandBuffer{driver: d}, nil
}

func (c *commandBuffer) record(op Op, data []byte) {
	c.ops = append(c.ops, op)
	c.data = append(c.data, data)
}

func (c *commandBuffer) CopyBuffer(src, dst gpu.Handle, size uint64) {
	c.record(Op{Kind: OpCopy, Src: src, Dst: dst, Size: size}, nil)
}

func (c *commandBuffer) FillBuffer(dst gpu.Handle, size uint64, value uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], value)
	c.record(Op{Kind: OpFill, Dst: dst, Size: size}, word[:])
}

func (c *commandBuffer) UpdateBuffer(dst gpu.Handle, data []byte) {
	c.record(Op{Kind: OpUpdate, Dst: dst, Size: uint64(len(data))}, append([]byte(nil), data...))
}

func (c *commandBuffer) PipelineBarrier(src, dst gpu.PipelineStage, barriers ...gpu.BufferBarrier) {
	for _, b := range barriers {
		c.record(Op{
			Kind:      OpBarrier,
			Dst:       b.Buffer,
			Size:      b.Size,
			SrcStage:  src,
			DstStage:  dst,
			SrcAccess: b.SrcAccess,
			DstAccess: b.DstAccess,
		}, nil)
	}
}

func (c *commandBuffer) BindComputePipeline(p gpu.Handle) {
	c.record(Op{Kind: OpBindPipeline, Dst: p}, nil)
}

func (c *commandBuffer) BindDescriptorSet(layout, set gpu.Handle) {
	c.record(Op{Kind: OpBindSet, Src: layout, Dst: set}, nil)
}

func (c *commandBuffer) Dispatch(x, y, z uint32) {
	c.record(Op{Kind: OpDispatch, Groups: [3]uint32{x, y, z}}, nil)
}

func (c *commandBuffer) End() error {
	if c.ended {
		return errors.New("soft: command buffer already ended")
	}
	c.ended = true
	return nil
}

func (c *commandBuffer) Release() {
	c.ops, c.data = nil, nil
}

// Submit executes the recorded operations in order on the calling
// goroutine, except for dispatches which spread workgroups over a worker
// pool. It returns once everything has executed.
func (d *Driver) Submit(cmd gpu.CommandBuffer) error {
	c, ok := cmd.(*commandBuffer)
	if !ok || c.driver != d {
		return errors.New("soft: foreign command buffer")
	}
	if !c.ended {
		return errors.New("soft: command buffer not ended")
	}
	if d.Closed() {
		return errors.New("soft: device closed")
	}

	var pipe, set gpu.Handle
	for i, op := range c.ops {
		var err error
		switch op.Kind {
		case OpCopy:
			err = d.copy(op)
		case OpFill:
			err = d.fill(op, c.data[i])
		case OpUpdate:
			err = d.update(op, c.data[i])
		case OpBindPipeline:
			pipe = op.Dst
		case OpBindSet:
			set = op.Dst
		case OpDispatch:
			err = d.dispatch(pipe, set, op.Groups)
		}
		if err != nil {
			return errors.WithMessagef(err, "op %d (%s)", i, op.Kind)
		}
		d.mu.Lock()
		d.trace = append(d.trace, op)
		d.mu.Unlock()
	}
	return nil
}

// bound returns the host bytes behind a buffer.
func (d *Driver) bound(h gpu.Handle) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[h]
	if !ok {
		return nil, errors.Errorf("soft: unknown buffer %d", h)
	}
	if b.mem == nil {
		return nil, errors.Errorf("soft: buffer %d has no memory bound", h)
	}
	return b.mem.bytes()[:b.size], nil
}

func (d *Driver) copy(op Op) error {
	src, err := d.bound(op.Src)
	if err != nil {
		return err
	}
	dst, err := d.bound(op.Dst)
	if err != nil {
		return err
	}
	if op.Size > uint64(len(src)) || op.Size > uint64(len(dst)) {
		return errors.Errorf("soft: copy of %d bytes overruns %d -> %d", op.Size, len(src), len(dst))
	}
	copy(dst[:op.Size], src[:op.Size])
	return nil
}

func (d *Driver) fill(op Op, word []byte) error {
	dst, err := d.bound(op.Dst)
	if err != nil {
		return err
	}
	if op.Size > uint64(len(dst)) || op.Size%4 != 0 {
		return errors.Errorf("soft: fill of %d bytes invalid for %d byte buffer", op.Size, len(dst))
	}
	for i := uint64(0); i < op.Size; i += 4 {
		copy(dst[i:i+4], word)
	}
	return nil
}

func (d *Driver) update(op Op, data []byte) error {
	dst, err := d.bound(op.Dst)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(len(dst)) {
		return errors.Errorf("soft: update of %d bytes overruns %d byte buffer", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

func (d *Driver) dispatch(pipe, set gpu.Handle, groups [3]uint32) error {
	if d.kernel == nil {
		return errors.New("soft: no host kernel configured")
	}

	d.mu.Lock()
	p, ok := d.pipelines[pipe]
	if !ok {
		d.mu.Unlock()
		return errors.New("soft: dispatch without a bound pipeline")
	}
	s, ok := d.sets[set]
	if !ok {
		d.mu.Unlock()
		return errors.New("soft: dispatch without a bound descriptor set")
	}
	if d.pipelineLayouts[p.layout] != s.layout {
		d.mu.Unlock()
		return errors.New("soft: descriptor set layout does not match pipeline layout")
	}
	count := len(d.setLayouts[s.layout])
	writes := make([]gpu.DescriptorWrite, count)
	for i := range writes {
		w, ok := s.writes[uint32(i)]
		if !ok {
			d.mu.Unlock()
			return errors.Errorf("soft: binding %d was never written", i)
		}
		writes[i] = w
	}
	d.mu.Unlock()

	bindings := make([][]byte, count)
	for i, w := range writes {
		data, err := d.bound(w.Buffer)
		if err != nil {
			return errors.WithMessagef(err, "binding %d", i)
		}
		end := w.Offset + w.Range
		if end > uint64(len(data)) {
			return errors.Errorf("soft: binding %d range [%d, %d) overruns buffer", i, w.Offset, end)
		}
		bindings[i] = data[w.Offset:end]
	}

	total := int(groups[0]) * int(groups[1]) * int(groups[2])
	errs := make([]error, d.workers.Threads())
	err := d.workers.ParallelFor(0, total, func(begin, end, worker int) {
		for g := begin; g < end && errs[worker] == nil; g++ {
			errs[worker] = d.kernel(uint32(g), bindings)
		}
	})
	if err != nil {
		return err
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
