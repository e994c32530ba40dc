package pool

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// HostInfo summarizes the CPU the host backend runs on.
type HostInfo struct {
	Arch     string   `json:"arch" yaml:"arch"`
	CPUs     int      `json:"cpus" yaml:"cpus"`
	Features []string `json:"features,omitempty" yaml:"features,omitempty"`
}

// DetectHost reports the logical CPU count and the instruction set extensions
// relevant to multi-word integer arithmetic.
func DetectHost() HostInfo {
	info := HostInfo{Arch: runtime.GOARCH, CPUs: runtime.NumCPU()}

	add := func(name string, ok bool) {
		if ok {
			info.Features = append(info.Features, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add("sse2", cpu.X86.HasSSE2)
		add("avx2", cpu.X86.HasAVX2)
		add("bmi2", cpu.X86.HasBMI2)
		add("adx", cpu.X86.HasADX)
		add("avx512f", cpu.X86.HasAVX512F)
	case "arm64":
		add("asimd", cpu.ARM64.HasASIMD)
		add("sve", cpu.ARM64.HasSVE)
	}
	return info
}

func (h HostInfo) String() string {
	if len(h.Features) == 0 {
		return fmt.Sprintf("%s x%d", h.Arch, h.CPUs)
	}
	return fmt.Sprintf("%s x%d [%s]", h.Arch, h.CPUs, strings.Join(h.Features, " "))
}
