package field

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// ParamsSize is the encoded size of Params in the device uniform block.
const ParamsSize = (Limbs + 2) * 8

// Params is the read-only constant block handed to the device.
type Params struct {
	Modulus    [Limbs]uint64
	Np         uint64
	Iterations uint64
}

// DefaultParams returns the BN254 scalar field modulus and Montgomery
// constant with the given iteration count.
func DefaultParams(iters uint64) Params {
	q := fr.Modulus()
	var buf [Limbs * 8]byte
	q.FillBytes(buf[:])

	var p Params
	for i := 0; i < Limbs; i++ {
		// FillBytes is big-endian: limb 0 is the last 8 bytes.
		off := (Limbs - 1 - i) * 8
		p.Modulus[i] = binary.BigEndian.Uint64(buf[off : off+8])
	}
	p.Np = montgomeryConstant(q)
	p.Iterations = iters
	return p
}

// montgomeryConstant returns -q⁻¹ mod 2⁶⁴.
func montgomeryConstant(q *big.Int) uint64 {
	r := new(big.Int).Lsh(big.NewInt(1), 64)
	inv := new(big.Int).ModInverse(new(big.Int).Mod(q, r), r)
	return new(big.Int).Sub(r, inv).Uint64()
}

// Encode writes the uniform block layout:
// modulus[0..3] | np | iterations, little-endian uint64 words.
func (p Params) Encode() []byte {
	out := make([]byte, ParamsSize)
	for i, l := range p.Modulus {
		binary.LittleEndian.PutUint64(out[i*8:], l)
	}
	binary.LittleEndian.PutUint64(out[Limbs*8:], p.Np)
	binary.LittleEndian.PutUint64(out[(Limbs+1)*8:], p.Iterations)
	return out
}

// DecodeParams parses a uniform block produced by Encode.
func DecodeParams(b []byte) (Params, error) {
	var p Params
	if len(b) < ParamsSize {
		return p, fmt.Errorf("field: params block is %d bytes, want %d", len(b), ParamsSize)
	}
	for i := range p.Modulus {
		p.Modulus[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	p.Np = binary.LittleEndian.Uint64(b[Limbs*8:])
	p.Iterations = binary.LittleEndian.Uint64(b[(Limbs+1)*8:])
	return p, nil
}
