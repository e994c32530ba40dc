// Package field holds the element, vector and parameter types shared by the
// host and device backends, plus thin wrappers over the BN254 scalar field
// primitives from gnark-crypto.
package field

import (
	"fmt"
	"strings"
	"unsafe"
)

const (
	// Limbs is the number of 64-bit words in one element.
	Limbs = 4
	// ElementSize is the size of one element in bytes.
	ElementSize = Limbs * 8
	// WorkgroupSize is the number of elements processed by one device workgroup.
	WorkgroupSize = 128
)

// Element is a field element as four little-limb-ordered 64-bit words.
// No reduction or representation invariant is implied by the type.
type Element struct {
	val [Limbs]uint64
}

// NewElement returns an element with every limb set to v.
func NewElement(v uint64) Element {
	return Element{val: [Limbs]uint64{v, v, v, v}}
}

// FromLimbs builds an element from explicit limbs.
func FromLimbs(l [Limbs]uint64) Element {
	return Element{val: l}
}

// Limbs returns the raw limb view of e.
func (e *Element) Limbs() *[Limbs]uint64 {
	return &e.val
}

// String renders the limbs as comma separated 0x%016x words.
func (e Element) String() string {
	parts := make([]string, Limbs)
	for i, l := range e.val {
		parts[i] = fmt.Sprintf("0x%016x", l)
	}
	return strings.Join(parts, ",")
}

// Vector is a contiguous, fixed-length sequence of elements.
type Vector []Element

// NewVector allocates a zeroed vector of n elements.
func NewVector(n int) Vector {
	return make(Vector, n)
}

// Fill sets every limb of every element to v.
func (v Vector) Fill(val uint64) {
	e := NewElement(val)
	for i := range v {
		v[i] = e
	}
}

// SizeBytes is the byte length of the vector.
func (v Vector) SizeBytes() int {
	return len(v) * ElementSize
}

// Bytes returns the in-memory byte view of v (no copy). Limbs are stored in
// host byte order, which is little-endian on every supported target.
func (v Vector) Bytes() []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), v.SizeBytes())
}

// VectorView reinterprets b as a vector without copying. b must be 8-byte
// aligned and a multiple of ElementSize long.
func VectorView(b []byte) (Vector, error) {
	if len(b)%ElementSize != 0 {
		return nil, fmt.Errorf("field: %d bytes is not a whole number of elements", len(b))
	}
	if len(b) == 0 {
		return Vector{}, nil
	}
	if uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil, fmt.Errorf("field: byte view is not 8-byte aligned")
	}
	return unsafe.Slice((*Element)(unsafe.Pointer(&b[0])), len(b)/ElementSize), nil
}
