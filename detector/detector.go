package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/openfluke/fieldbench/field"
	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/pool"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DefaultBudgetMB is the staging budget used when none is configured.
const DefaultBudgetMB = 128

const defaultBudget = uint64(DefaultBudgetMB * 1024 * 1024)

/* ---------- public API ---------- */

// Report is a portable summary of the device and host a benchmark would run
// on.
type Report struct {
	WhenISO     string            `json:"when_iso" yaml:"when_iso"`
	Runtime     string            `json:"runtime" yaml:"runtime"` // "native" or "wasm"
	Backend     string            `json:"backend" yaml:"backend"`
	AdapterType string            `json:"adapter_type" yaml:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex" yaml:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex" yaml:"device_id_hex"`
	Name        string            `json:"name" yaml:"name"`
	Driver      string            `json:"driver" yaml:"driver"`
	API         string            `json:"api" yaml:"api"`
	Host        pool.HostInfo     `json:"host" yaml:"host"`
	Memory      []MemoryType      `json:"memory_types" yaml:"memory_types"`
	Heaps       []Heap            `json:"heaps" yaml:"heaps"`
	Recommended Recommendations   `json:"recommended" yaml:"recommended"`
	Limits      *Limits           `json:"limits,omitempty" yaml:"limits,omitempty"`
	Features    []string          `json:"features,omitempty" yaml:"features,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type MemoryType struct {
	Index int    `json:"index" yaml:"index"`
	Heap  uint32 `json:"heap" yaml:"heap"`
	Flags string `json:"flags" yaml:"flags"`
}

type Heap struct {
	Index       int    `json:"index" yaml:"index"`
	SizeMiB     uint64 `json:"size_mib" yaml:"size_mib"`
	DeviceLocal bool   `json:"device_local" yaml:"device_local"`
}

// Limits are reported for WebGPU adapters only.
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup" yaml:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x" yaml:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension" yaml:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size" yaml:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size" yaml:"max_buffer_size"`
}

type Recommendations struct {
	// Elements per workgroup; the shader is built for field.WorkgroupSize.
	WorkgroupX uint32 `json:"workgroup_x" yaml:"workgroup_x"`
	// Staging budget in bytes and the largest point count that fits it.
	BudgetBytes uint64 `json:"budget_bytes" yaml:"budget_bytes"`
	MaxPoints   uint64 `json:"max_points" yaml:"max_points"`
	SharedPath  bool   `json:"shared_memory_path" yaml:"shared_memory_path"`
}

// Limited is implemented by drivers that expose adapter limits.
type Limited interface {
	Limits() wgpu.SupportedLimits
	Features() []string
}

// Detect summarizes the device behind an open session. budgetMB caps the
// staging budget behind the recommendations; zero or less uses
// DefaultBudgetMB.
func Detect(s *gpu.Session, budgetMB int) *Report {
	info := s.Info()
	types, heaps := s.Driver().MemoryProperties()

	rep := &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.Backend,
		AdapterType: info.Type,
		VendorID:    fmt.Sprintf("0x%04x", info.VendorID),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceID),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.Driver),
		API:         info.API,
		Host:        pool.DetectHost(),
		Env:         pickEnv([]string{"FIELDBENCH_BUDGET_MB", "FIELDBENCH_BACKEND", "FIELDBENCH_VULKAN_LIBRARY"}),
	}
	var deviceHeap uint64
	for i, t := range types {
		rep.Memory = append(rep.Memory, MemoryType{Index: i, Heap: t.HeapIndex, Flags: t.Properties.String()})
		if t.Properties.Has(gpu.MemoryDeviceLocal | gpu.MemoryHostVisible) {
			rep.Recommended.SharedPath = true
		}
	}
	for i, h := range heaps {
		rep.Heaps = append(rep.Heaps, Heap{Index: i, SizeMiB: h.Size >> 20, DeviceLocal: h.DeviceLocal})
		if h.DeviceLocal && h.Size > deviceHeap {
			deviceHeap = h.Size
		}
	}

	rep.Recommended.WorkgroupX = field.WorkgroupSize
	if l, ok := s.Driver().(Limited); ok {
		limits := l.Limits()
		rep.Limits = &Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		}
		rep.Features = l.Features()
		rep.Recommended.WorkgroupX = chooseWorkgroup(*rep.Limits)
	}

	budget := defaultBudget
	if budgetMB > 0 {
		budget = uint64(budgetMB) * 1024 * 1024
	}
	if deviceHeap > 0 && budget > deviceHeap {
		budget = deviceHeap
	}
	rep.Recommended.BudgetBytes = budget
	rep.Recommended.MaxPoints = maxPoints(budget, rep.Limits)
	return rep
}

// DetectBackend opens backend, summarizes it and closes it again.
func DetectBackend(backend string, opts gpu.Options, budgetMB int) (*Report, error) {
	s, err := gpu.Open(backend, opts)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return Detect(s, budgetMB), nil
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshal report")
	}
	return string(b), nil
}

// YAML renders the report as YAML.
func (r *Report) YAML() (string, error) {
	b, err := yaml.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "marshal report")
	}
	return string(b), nil
}

// Render picks the encoding by name: "json" or "yaml".
func (r *Report) Render(format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return r.JSON()
	case "yaml", "yml":
		return r.YAML()
	default:
		return "", errors.Errorf("unknown report format %q", format)
	}
}

/* ---------- helpers ---------- */

func chooseWorkgroup(l Limits) uint32 {
	candidates := []uint32{256, 128, 64, 32, 16, 8, 4, 1}
	for _, c := range candidates {
		if c <= field.WorkgroupSize && c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeInvocationsPerWorkgroup {
			return c
		}
	}
	return 1
}

// maxPoints is the largest multiple of the workgroup size whose three
// vectors fit in budget and, when limits are known, in one storage binding.
func maxPoints(budget uint64, l *Limits) uint64 {
	n := budget / (3 * field.ElementSize)
	if l != nil && l.MaxStorageBufferBindingSize > 0 {
		if m := l.MaxStorageBufferBindingSize / field.ElementSize; m < n {
			n = m
		}
	}
	return n / field.WorkgroupSize * field.WorkgroupSize
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
