package gpu

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Pipeline is a compute shader bound to one buffer per layout entry.
type Pipeline struct {
	session *Session
	drv     Driver
	log     logrus.FieldLogger

	layout     MemoryLayout
	shaderSize int
	buffers    []*Buffer

	module         Handle
	setLayout      Handle
	pipelineLayout Handle
	pipeline       Handle
	descPool       Handle
	descSet        Handle

	closed bool
}

// NewPipeline loads the shader at shaderPath, allocates the layout's buffers
// and builds the compute pipeline and its descriptor set.
func NewPipeline(s *Session, shaderPath string, layout MemoryLayout) (*Pipeline, error) {
	if err := layout.Validate(); err != nil {
		return nil, &Error{Kind: PipelineCreationFailure, Op: "validate layout", Err: err}
	}
	code, err := LoadShader(shaderPath)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		session:    s,
		drv:        s.drv,
		log:        s.log.WithField("shader", shaderPath),
		layout:     layout,
		shaderSize: len(code),
	}
	if err := p.build(code); err != nil {
		p.destroy()
		return nil, err
	}
	s.track(p)

	p.log.WithFields(logrus.Fields{
		"bindings":    len(layout.Buffers),
		"groups":      layout.Groups,
		"shader_size": len(code),
	}).Debug("pipeline created")
	return p, nil
}

func (p *Pipeline) build(code []byte) error {
	for _, spec := range p.layout.Buffers {
		b, err := NewBuffer(p.session, spec.Name, spec.Size, spec.Type)
		if err != nil {
			return err
		}
		p.buffers = append(p.buffers, b)
	}

	fail := func(op string, err error) error {
		return newError(PipelineCreationFailure, op, err)
	}
	types := p.layout.DescriptorTypes()

	var err error
	if p.setLayout, err = p.drv.CreateDescriptorSetLayout(types); err != nil {
		return fail("create descriptor set layout", err)
	}
	if p.pipelineLayout, err = p.drv.CreatePipelineLayout(p.setLayout); err != nil {
		return fail("create pipeline layout", err)
	}
	if p.module, err = p.drv.CreateShaderModule(code); err != nil {
		return fail("create shader module", err)
	}
	if p.pipeline, err = p.drv.CreateComputePipeline(p.pipelineLayout, p.module, p.layout.Entry()); err != nil {
		return fail("create compute pipeline", err)
	}
	if p.descPool, err = p.drv.CreateDescriptorPool(types); err != nil {
		return fail("create descriptor pool", err)
	}
	if p.descSet, err = p.drv.AllocateDescriptorSet(p.descPool, p.setLayout); err != nil {
		return fail("allocate descriptor set", err)
	}

	writes := make([]DescriptorWrite, len(p.buffers))
	for i, b := range p.buffers {
		writes[i] = b.DescriptorInfo(uint32(i))
	}
	p.drv.UpdateDescriptorSet(p.descSet, writes)
	return nil
}

// Run uploads data, dispatches the shader, waits and downloads the results.
// data[i] pairs with binding i; entries for buffers without a host direction
// are ignored and may be nil.
func (p *Pipeline) Run(data [][]byte) error {
	if p.closed {
		return errorf(RuntimeDeviceError, "run", "pipeline closed")
	}
	if len(data) != len(p.buffers) {
		return errorf(PipelineCreationFailure, "run", "got %d data blocks for %d bindings", len(data), len(p.buffers))
	}

	for i, spec := range p.layout.Buffers {
		if spec.Direction&Upload == 0 {
			continue
		}
		if err := p.buffers[i].CopyFromLocal(data[i]); err != nil {
			return errors.WithMessagef(err, "upload binding %d", i)
		}
	}

	cmd, err := p.session.BeginCommands()
	if err != nil {
		return err
	}
	defer cmd.Release()

	p.recordUploads(cmd)
	cmd.BindComputePipeline(p.pipeline)
	cmd.BindDescriptorSet(p.pipelineLayout, p.descSet)
	cmd.Dispatch(p.layout.Groups, 1, 1)
	p.recordDownloads(cmd)

	if err := p.session.Submit(cmd); err != nil {
		return err
	}

	for i, spec := range p.layout.Buffers {
		if spec.Direction&Download == 0 {
			continue
		}
		if err := p.buffers[i].CopyToLocal(data[i]); err != nil {
			return errors.WithMessagef(err, "download binding %d", i)
		}
	}
	return nil
}

func (p *Pipeline) recordUploads(cmd CommandBuffer) {
	for i, spec := range p.layout.Buffers {
		b := p.buffers[i]
		dstAccess := AccessShaderRead
		if spec.Type == Uniform {
			dstAccess = AccessUniformRead
		} else if spec.Direction&Download != 0 {
			dstAccess |= AccessShaderWrite
		}

		switch {
		case spec.Direction&Upload != 0:
			if b.Shared() {
				b.RecordMemoryBarrier(cmd, AccessHostWrite, dstAccess, StageHost, StageComputeShader)
				continue
			}
			b.RecordCopyToDevice(cmd)
			b.RecordMemoryBarrier(cmd, AccessTransferWrite, dstAccess, StageTransfer, StageComputeShader)
		case spec.Direction == Download:
			b.Fill(cmd, 0)
			b.RecordMemoryBarrier(cmd, AccessTransferWrite, AccessShaderWrite, StageTransfer, StageComputeShader)
		}
	}
}

func (p *Pipeline) recordDownloads(cmd CommandBuffer) {
	for i, spec := range p.layout.Buffers {
		if spec.Direction&Download == 0 {
			continue
		}
		b := p.buffers[i]
		if b.Shared() {
			b.RecordMemoryBarrier(cmd, AccessShaderWrite, AccessHostRead, StageComputeShader, StageHost)
			continue
		}
		b.RecordMemoryBarrier(cmd, AccessShaderWrite, AccessTransferRead, StageComputeShader, StageTransfer)
		b.RecordCopyFromDevice(cmd)
		b.RecordMemoryBarrier(cmd, AccessTransferWrite, AccessHostRead, StageTransfer, StageHost)
	}
}

// Buffers returns the bound buffers in binding order.
func (p *Pipeline) Buffers() []*Buffer { return p.buffers }

// Layout returns the layout the pipeline was built from.
func (p *Pipeline) Layout() MemoryLayout { return p.layout }

// ShaderSize is the byte length of the loaded shader binary.
func (p *Pipeline) ShaderSize() int { return p.shaderSize }

// DebugInfo describes the device and where each buffer was placed.
func (p *Pipeline) DebugInfo() string {
	var sb strings.Builder
	sb.WriteString(p.session.DebugInfo())
	for i, b := range p.buffers {
		fmt.Fprintf(&sb, "Binding %d %s: %d bytes %s %s\n", i, b.name, b.size, b.typ, b.placement())
	}
	return sb.String()
}

func (p *Pipeline) destroy() {
	if p.closed {
		return
	}
	p.closed = true

	if p.pipeline != 0 {
		p.drv.DestroyPipeline(p.pipeline)
	}
	if p.pipelineLayout != 0 {
		p.drv.DestroyPipelineLayout(p.pipelineLayout)
	}
	if p.descPool != 0 {
		p.drv.DestroyDescriptorPool(p.descPool)
	}
	if p.setLayout != 0 {
		p.drv.DestroyDescriptorSetLayout(p.setLayout)
	}
	if p.module != 0 {
		p.drv.DestroyShaderModule(p.module)
	}
	for i := len(p.buffers) - 1; i >= 0; i-- {
		p.buffers[i].Destroy()
	}
}

// Close releases the pipeline objects and its buffers.
func (p *Pipeline) Close() {
	if p.closed {
		return
	}
	p.destroy()
	p.session.untrack(p)
}
