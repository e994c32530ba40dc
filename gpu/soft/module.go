package soft

import (
	"encoding/binary"

	"github.com/openfluke/fieldbench/gpu"
)

// Module assembles a minimal SPIR-V module that declares one storage
// resource per binding in descriptor set 0. It carries no code; the soft
// device executes its host kernel instead.
func Module(bindings ...uint32) []byte {
	const (
		version           = 0x00010300
		opDecorate        = 71
		decoDescriptorSet = 34
		decoBinding       = 33
	)
	words := []uint32{gpu.SPIRVMagic, version, 0, uint32(len(bindings) + 1), 0}
	for i, b := range bindings {
		id := uint32(i + 1)
		words = append(words,
			4<<16|opDecorate, id, decoDescriptorSet, 0,
			4<<16|opDecorate, id, decoBinding, b,
		)
	}
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
