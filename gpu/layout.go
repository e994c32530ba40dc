package gpu

import "github.com/pkg/errors"

// Direction says which way a buffer's data crosses the host/device boundary
// during a pipeline run.
type Direction int

const (
	// Upload buffers are written by the host before dispatch.
	Upload Direction = 1 << iota
	// Download buffers are read back by the host after dispatch.
	Download
	// UploadDownload buffers travel both ways.
	UploadDownload = Upload | Download
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	case UploadDownload:
		return "upload+download"
	}
	return "none"
}

// BufferSpec describes one logical block bound to a pipeline.
type BufferSpec struct {
	Name      string     `json:"name" yaml:"name"`
	Type      BufferType `json:"type" yaml:"type"`
	Size      uint64     `json:"size" yaml:"size"`
	Direction Direction  `json:"direction" yaml:"direction"`
}

// MemoryLayout is the ordered binding list of a pipeline plus its dispatch
// size. Buffers[i] is bound at binding i.
type MemoryLayout struct {
	Buffers    []BufferSpec
	Groups     uint32
	EntryPoint string
}

// Entry returns the shader entry point, defaulting to "main".
func (l MemoryLayout) Entry() string {
	if l.EntryPoint == "" {
		return "main"
	}
	return l.EntryPoint
}

// DescriptorTypes lists the descriptor type of each binding.
func (l MemoryLayout) DescriptorTypes() []DescriptorType {
	out := make([]DescriptorType, len(l.Buffers))
	for i, spec := range l.Buffers {
		out[i] = spec.Type.descriptorType()
	}
	return out
}

// TotalSize is the sum of all buffer sizes.
func (l MemoryLayout) TotalSize() uint64 {
	var n uint64
	for _, spec := range l.Buffers {
		n += spec.Size
	}
	return n
}

// Validate checks that the layout can be built.
func (l MemoryLayout) Validate() error {
	if len(l.Buffers) == 0 {
		return errors.New("layout has no buffers")
	}
	if l.Groups == 0 {
		return errors.New("layout dispatches zero workgroups")
	}
	for i, spec := range l.Buffers {
		if spec.Size == 0 {
			return errors.Errorf("binding %d (%s) has zero size", i, spec.Name)
		}
		if spec.Type == DeviceOnly && spec.Direction != 0 {
			return errors.Errorf("binding %d (%s) is device-only but has direction %s", i, spec.Name, spec.Direction)
		}
		if spec.Type == Uniform && spec.Direction&Download != 0 {
			return errors.Errorf("binding %d (%s) is a uniform block and cannot be downloaded", i, spec.Name)
		}
	}
	return nil
}
