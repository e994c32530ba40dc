package bench

import (
	"github.com/openfluke/fieldbench/field"

	// Backends register themselves with gpu.Open.
	_ "github.com/openfluke/fieldbench/gpu/soft"
	_ "github.com/openfluke/fieldbench/gpu/vulkan"
	_ "github.com/openfluke/fieldbench/gpu/webgpu"
)

// fieldKernel is the host rendition of the compute shader run by emulated
// devices.
var fieldKernel = field.DispatchGroup
