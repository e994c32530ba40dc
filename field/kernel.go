package field

import "fmt"

// Binding slots expected by the compute shader.
const (
	BindingResult = iota
	BindingA
	BindingB
	BindingParams
	BindingCount
)

// DispatchGroup is the host rendition of the compute shader for one
// workgroup. bindings are the device-side byte regions in slot order.
func DispatchGroup(group uint32, bindings [][]byte) error {
	if len(bindings) != BindingCount {
		return fmt.Errorf("field: kernel expects %d bindings, got %d", BindingCount, len(bindings))
	}
	r, err := VectorView(bindings[BindingResult])
	if err != nil {
		return err
	}
	a, err := VectorView(bindings[BindingA])
	if err != nil {
		return err
	}
	b, err := VectorView(bindings[BindingB])
	if err != nil {
		return err
	}
	p, err := DecodeParams(bindings[BindingParams])
	if err != nil {
		return err
	}

	begin := int(group) * WorkgroupSize
	end := begin + WorkgroupSize
	if end > len(r) || end > len(a) || end > len(b) {
		return fmt.Errorf("field: workgroup %d out of range for %d elements", group, len(r))
	}
	ComputeRange(r, a, b, p.Iterations, begin, end)
	return nil
}
