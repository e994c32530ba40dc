package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New()
	r.ObservePhase(PhaseSingle, "host", 1500*time.Millisecond)
	r.ObservePhase(PhaseGPU, "soft", 250*time.Millisecond)
	r.ObserveVerdict("cpu", true)
	r.ObserveVerdict("gpu", false)
	r.ObserveWorkload(512000, 160)
	r.ObserveRun("REPORT")
	r.ObserveRun("REPORT")

	assert.Equal(t, 1.5, testutil.ToFloat64(r.Duration.WithLabelValues(PhaseSingle, "host")))
	assert.Equal(t, 0.25, testutil.ToFloat64(r.Duration.WithLabelValues(PhaseGPU, "soft")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Verdict.WithLabelValues("cpu")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Verdict.WithLabelValues("gpu")))
	assert.Equal(t, 512000.0, testutil.ToFloat64(r.Points))
	assert.Equal(t, 160.0, testutil.ToFloat64(r.Iters))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Runs.WithLabelValues("REPORT")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.Duration))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveWorkload(128, 1)
	r.ObserveRun("FAILED")

	path := filepath.Join(t.TempDir(), "fieldbench.prom")
	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "fieldbench_points 128")
	assert.Contains(t, out, `fieldbench_runs_total{state="FAILED"} 1`)

	err = testutil.GatherAndCompare(r.Registry(), strings.NewReader(`
# HELP fieldbench_iterations Iteration count of the last run.
# TYPE fieldbench_iterations gauge
fieldbench_iterations 1
`), "fieldbench_iterations")
	assert.NoError(t, err)
}

func TestWriteTextfileBadPath(t *testing.T) {
	err := New().WriteTextfile(filepath.Join(t.TempDir(), "missing", "dir", "x.prom"))
	assert.Error(t, err)
}
