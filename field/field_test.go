package field

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toBig(e Element) *big.Int {
	out := new(big.Int)
	l := e.Limbs()
	for i := Limbs - 1; i >= 0; i-- {
		out.Lsh(out, 64)
		out.Or(out, new(big.Int).SetUint64(l[i]))
	}
	return out
}

// TestElementString checks the report format of a seeded element.
func TestElementString(t *testing.T) {
	e := NewElement(1)
	assert.Equal(t, "0x0000000000000001,0x0000000000000001,0x0000000000000001,0x0000000000000001", e.String())

	e.Limbs()[3] = 0xdeadbeef
	assert.Equal(t, "0x0000000000000001,0x0000000000000001,0x0000000000000001,0x00000000deadbeef", e.String())
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams(160)

	q := new(big.Int)
	for i := Limbs - 1; i >= 0; i-- {
		q.Lsh(q, 64)
		q.Or(q, new(big.Int).SetUint64(p.Modulus[i]))
	}
	assert.Equal(t, 0, q.Cmp(fr.Modulus()))
	// -q⁻¹ mod 2⁶⁴ for the BN254 scalar field
	assert.Equal(t, uint64(14042775128853446655), p.Np)
	assert.Equal(t, uint64(160), p.Iterations)

	decoded, err := DecodeParams(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	_, err = DecodeParams(make([]byte, ParamsSize-1))
	assert.Error(t, err)
}

// TestRawOpsMatchBigInt checks the wrappers against math/big.
func TestRawOpsMatchBigInt(t *testing.T) {
	q := fr.Modulus()
	a := NewElement(1)
	b := NewElement(2)

	var sum Element
	RawAdd(&sum, &a, &b)
	want := new(big.Int).Add(toBig(a), toBig(b))
	want.Mod(want, q)
	assert.Equal(t, 0, toBig(sum).Cmp(want))

	var prod Element
	RawMontgomeryMul(&prod, &a, &b)
	rInv := new(big.Int).Lsh(big.NewInt(1), 256)
	rInv.ModInverse(rInv, q)
	want = new(big.Int).Mul(toBig(a), toBig(b))
	want.Mul(want, rInv)
	want.Mod(want, q)
	assert.Equal(t, 0, toBig(prod).Cmp(want))

	assert.True(t, RawEqual(&a, &a))
	assert.False(t, RawEqual(&a, &b))
}

func TestComputeIterations(t *testing.T) {
	a := NewElement(1)
	b := NewElement(2)

	var once, twice Element
	Compute(&once, &a, &b, 1)
	Compute(&twice, &a, &b, 2)

	var manual Element
	RawAdd(&manual, &a, &b)
	RawMontgomeryMul(&manual, &manual, &a)
	assert.True(t, RawEqual(&once, &manual))

	RawAdd(&manual, &manual, &b)
	RawMontgomeryMul(&manual, &manual, &a)
	assert.True(t, RawEqual(&twice, &manual))
	assert.False(t, RawEqual(&once, &twice))
}

func TestVectorViewRoundTrip(t *testing.T) {
	v := NewVector(4)
	v.Fill(7)

	view, err := VectorView(v.Bytes())
	require.NoError(t, err)
	require.Len(t, view, 4)
	view[2].Limbs()[0] = 9
	assert.Equal(t, uint64(9), v[2].Limbs()[0])

	_, err = VectorView(make([]byte, ElementSize+1))
	assert.Error(t, err)
}

// TestDispatchGroupMatchesHost runs the kernel over every group and compares
// against ComputeRange.
func TestDispatchGroupMatchesHost(t *testing.T) {
	const n = 2 * WorkgroupSize
	a, b := NewVector(n), NewVector(n)
	for i := range a {
		a[i] = NewElement(uint64(i + 1))
		b[i] = NewElement(uint64(2*i + 3))
	}
	want := NewVector(n)
	ComputeRange(want, a, b, 3, 0, n)

	got := NewVector(n)
	bindings := [][]byte{got.Bytes(), a.Bytes(), b.Bytes(), DefaultParams(3).Encode()}
	for g := uint32(0); g < n/WorkgroupSize; g++ {
		require.NoError(t, DispatchGroup(g, bindings))
	}

	ok, idx := Equal(want, got)
	assert.True(t, ok, "first mismatch at %d", idx)

	assert.Error(t, DispatchGroup(2, bindings))
	assert.Error(t, DispatchGroup(0, bindings[:3]))
}
