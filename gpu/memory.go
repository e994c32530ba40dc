package gpu

// memoryCandidates lists the memory types allowed by typeBits that have
// every required property. Types that also have the preferred properties come
// first; order is otherwise the driver's.
func memoryCandidates(types []MemoryType, typeBits uint32, required, preferred MemoryProperty) []uint32 {
	var best, rest []uint32
	for i, t := range types {
		if i >= 32 || typeBits&(1<<uint(i)) == 0 || !t.Properties.Has(required) {
			continue
		}
		if preferred != 0 && t.Properties.Has(preferred) {
			best = append(best, uint32(i))
		} else {
			rest = append(rest, uint32(i))
		}
	}
	return append(best, rest...)
}

// allocation is one driver buffer bound to its own memory.
type allocation struct {
	buffer Handle
	memory Handle
	flags  MemoryProperty
	mapped []byte
}

func (a *allocation) release(drv Driver) {
	if a.mapped != nil {
		drv.UnmapMemory(a.memory)
		a.mapped = nil
	}
	if a.buffer != 0 {
		drv.DestroyBuffer(a.buffer)
		a.buffer = 0
	}
	if a.memory != 0 {
		drv.FreeMemory(a.memory)
		a.memory = 0
	}
}

// allocate creates a buffer and backs it with memory of the requested class.
// Candidate types are tried in order until one can be allocated, bound and
// mapped. When no type qualifies it returns ok=false with nothing left
// allocated; when every candidate fails the last failure is returned.
func allocate(drv Driver, size uint64, usage BufferUsage, required, preferred MemoryProperty, mapHost bool) (a allocation, ok bool, err error) {
	buf, reqs, err := drv.CreateBuffer(size, usage)
	if err != nil {
		return a, false, newError(AllocationFailure, "create buffer", err)
	}
	a.buffer = buf

	types, _ := drv.MemoryProperties()
	candidates := memoryCandidates(types, reqs.TypeBits, required, preferred)
	if len(candidates) == 0 {
		a.release(drv)
		return a, false, nil
	}

	allocSize := reqs.Size
	if allocSize < size {
		allocSize = size
	}
	for _, idx := range candidates {
		if a.buffer == 0 {
			// a buffer cannot be rebound once bound
			if a.buffer, _, err = drv.CreateBuffer(size, usage); err != nil {
				return a, false, newError(AllocationFailure, "create buffer", err)
			}
		}
		if a.memory, err = drv.AllocateMemory(allocSize, idx); err != nil {
			a.memory = 0
			err = newError(AllocationFailure, "allocate memory", err)
			continue
		}
		a.flags = types[idx].Properties
		if err = drv.BindBufferMemory(a.buffer, a.memory); err != nil {
			a.release(drv)
			err = newError(AllocationFailure, "bind buffer memory", err)
			continue
		}
		if mapHost {
			if a.mapped, err = drv.MapMemory(a.memory, size); err != nil {
				a.mapped = nil
				a.release(drv)
				err = newError(AllocationFailure, "map memory", err)
				continue
			}
		}
		return a, true, nil
	}
	a.release(drv)
	return a, false, err
}
