package field

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

func fe(e *Element) *fr.Element {
	return (*fr.Element)(e.Limbs())
}

// RawAdd sets dst = a + b mod q on the raw limb representation.
func RawAdd(dst, a, b *Element) {
	fe(dst).Add(fe(a), fe(b))
}

// RawMontgomeryMul sets dst = a * b * R⁻¹ mod q on the raw limb representation.
func RawMontgomeryMul(dst, a, b *Element) {
	fe(dst).Mul(fe(a), fe(b))
}

// RawEqual reports whether a and b have identical limbs.
func RawEqual(a, b *Element) bool {
	return fe(a).Equal(fe(b))
}

// Compute runs the benchmark workload for one index:
//
//	r = a; repeat iters times { r = r + b; r = r * a (Montgomery) }
//
// Host and device backends must implement exactly this sequence.
func Compute(r, a, b *Element, iters uint64) {
	acc := *a
	for k := uint64(0); k < iters; k++ {
		RawAdd(&acc, &acc, b)
		RawMontgomeryMul(&acc, &acc, a)
	}
	*r = acc
}

// ComputeRange applies Compute to every index in [begin, end).
func ComputeRange(r, a, b Vector, iters uint64, begin, end int) {
	for i := begin; i < end; i++ {
		Compute(&r[i], &a[i], &b[i], iters)
	}
}

// Equal compares two vectors element-wise with RawEqual. It returns the first
// mismatching index, or -1 when the vectors agree.
func Equal(a, b Vector) (bool, int) {
	if len(a) != len(b) {
		return false, 0
	}
	for i := range a {
		if !RawEqual(&a[i], &b[i]) {
			return false, i
		}
	}
	return true, -1
}
