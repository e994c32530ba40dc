package gpu

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic = 0x07230203

// LoadShader reads a shader binary from disk.
func LoadShader(path string) ([]byte, error) {
	const op = "load shader"
	if path == "" {
		return nil, errorf(ShaderLoadFailure, op, "no shader path given")
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: ShaderLoadFailure, Op: op, Err: errors.Wrap(err, "read")}
	}
	if len(code) == 0 {
		return nil, errorf(ShaderLoadFailure, op, "%s is empty", path)
	}
	return code, nil
}

// IsSPIRV reports whether code starts with the SPIR-V magic number and is a
// whole number of words.
func IsSPIRV(code []byte) bool {
	return len(code) >= 20 && len(code)%4 == 0 && binary.LittleEndian.Uint32(code) == SPIRVMagic
}

// SPIR-V opcodes and decorations read by SPIRVBindings.
const (
	spirvOpDecorate        = 71
	spirvDecorationBinding = 33
	spirvDecorationDescSet = 34
	spirvHeaderWords       = 5
)

// SPIRVBindings returns the binding numbers declared in descriptor set 0.
// Decorations without an explicit set are treated as set 0.
func SPIRVBindings(code []byte) ([]uint32, error) {
	if !IsSPIRV(code) {
		return nil, errors.New("not a SPIR-V module")
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}

	binding := map[uint32]uint32{}
	set := map[uint32]uint32{}
	for i := spirvHeaderWords; i < len(words); {
		count := int(words[i] >> 16)
		opcode := words[i] & 0xffff
		if count == 0 || i+count > len(words) {
			return nil, errors.Errorf("malformed instruction at word %d", i)
		}
		if opcode == spirvOpDecorate && count >= 4 {
			target, deco, value := words[i+1], words[i+2], words[i+3]
			switch deco {
			case spirvDecorationBinding:
				binding[target] = value
			case spirvDecorationDescSet:
				set[target] = value
			}
		}
		i += count
	}

	var out []uint32
	for target, b := range binding {
		if set[target] == 0 {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
