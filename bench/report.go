package bench

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfluke/fieldbench/pool"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// BufferSize is the byte length of one bound buffer.
type BufferSize struct {
	Name  string `json:"name" yaml:"name"`
	Bytes uint64 `json:"bytes" yaml:"bytes"`
}

// Report holds the outcome of one run. Text accumulates the human-readable
// lines in stage order and is kept intact when a stage fails.
type Report struct {
	State       State         `json:"state" yaml:"state"`
	Backend     string        `json:"backend" yaml:"backend"`
	Points      int           `json:"points" yaml:"points"`
	Iters       int           `json:"iters" yaml:"iters"`
	Threads     int           `json:"threads" yaml:"threads"`
	Host        pool.HostInfo `json:"host" yaml:"host"`
	SingleMS    int64         `json:"single_ms" yaml:"single_ms"`
	ParallelMS  int64         `json:"parallel_ms" yaml:"parallel_ms"`
	GPUMS       int64         `json:"gpu_ms" yaml:"gpu_ms"`
	CPUEqual    bool          `json:"cpu_eq" yaml:"cpu_eq"`
	GPUEqual    bool          `json:"gpu_eq" yaml:"gpu_eq"`
	Mismatch    int           `json:"first_mismatch" yaml:"first_mismatch"`
	ElementSize int           `json:"element_size" yaml:"element_size"`
	VectorSize  int           `json:"vector_size" yaml:"vector_size"`
	Buffers     []BufferSize  `json:"buffers,omitempty" yaml:"buffers,omitempty"`
	ShaderSize  int           `json:"shader_size" yaml:"shader_size"`
	Device      string        `json:"device,omitempty" yaml:"device,omitempty"`
	A0          string        `json:"a0,omitempty" yaml:"a0,omitempty"`
	B0          string        `json:"b0,omitempty" yaml:"b0,omitempty"`
	R0          string        `json:"r0,omitempty" yaml:"r0,omitempty"`
	RM          string        `json:"rm,omitempty" yaml:"rm,omitempty"`
	Failure     string        `json:"failure,omitempty" yaml:"failure,omitempty"`

	text strings.Builder
}

func (r *Report) printf(format string, args ...interface{}) {
	fmt.Fprintf(&r.text, format, args...)
}

// Text returns the accumulated report lines.
func (r *Report) Text() string { return r.text.String() }

// Failed reports whether the run ended in the FAILED state.
func (r *Report) Failed() bool { return r.State == StateFailed }

// Render encodes the report as "text", "json" or "yaml".
func (r *Report) Render(format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return r.Text(), nil
	case "json":
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "marshal report")
		}
		return string(b) + "\n", nil
	case "yaml", "yml":
		b, err := yaml.Marshal(r)
		if err != nil {
			return "", errors.Wrap(err, "marshal report")
		}
		return string(b), nil
	default:
		return "", errors.Errorf("unknown report format %q", format)
	}
}

// WriteReport copies text into dst, truncating so that a NUL terminator
// always fits, and returns the number of text bytes written. A zero-length
// dst receives nothing.
func WriteReport(dst []byte, text string) int {
	if len(dst) == 0 {
		return 0
	}
	n := copy(dst[:len(dst)-1], text)
	dst[n] = 0
	return n
}
