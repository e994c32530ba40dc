package bench

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfluke/fieldbench/field"
	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/gpu/soft"
	"github.com/openfluke/fieldbench/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func writeShader(t *testing.T, bindings ...uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "field.spv")
	require.NoError(t, os.WriteFile(path, soft.Module(bindings...), 0644))
	return path
}

func fieldShader(t *testing.T) string {
	return writeShader(t, field.BindingResult, field.BindingA, field.BindingB, field.BindingParams)
}

func softOpts(extra ...Option) []Option {
	logger, _ := test.NewNullLogger()
	return append([]Option{WithBackend(soft.Name), WithLogger(logger), WithThreads(4)}, extra...)
}

func expected(iters int) field.Element {
	a, b := field.NewElement(SeedA), field.NewElement(SeedB)
	var r field.Element
	field.Compute(&r, &a, &b, uint64(iters))
	return r
}

func TestClampPoints(t *testing.T) {
	cases := []struct {
		in   int64
		want int
	}{
		{-5, 128},
		{0, 128},
		{50, 128},
		{128, 128},
		{129, 256},
		{512000, 512000},
		{MaxPoints, MaxPoints},
		{MaxPoints + 1, MaxPoints},
		{1 << 40, MaxPoints},
	}
	for _, tc := range cases {
		got := ClampPoints(tc.in)
		assert.Equal(t, tc.want, got, "points %d", tc.in)
		assert.Zero(t, got%field.WorkgroupSize)
		assert.Equal(t, got, ClampPoints(int64(got)), "clamping is idempotent for %d", tc.in)
	}
}

func TestClampIters(t *testing.T) {
	cases := map[int64]int{-1: 1, 0: 1, 1: 1, 160: 160, MaxIters: MaxIters, 2 * MaxIters: MaxIters}
	for in, want := range cases {
		got := ClampIters(in)
		assert.Equal(t, want, got, "iters %d", in)
		assert.Equal(t, got, ClampIters(int64(got)))
	}
}

func TestWriteReport(t *testing.T) {
	assert.Zero(t, WriteReport(nil, "hello"))

	one := []byte{'x'}
	assert.Zero(t, WriteReport(one, "hello"))
	assert.Equal(t, byte(0), one[0])

	small := bytes.Repeat([]byte{'x'}, 5)
	assert.Equal(t, 4, WriteReport(small, "hello world"))
	assert.Equal(t, []byte("hell\x00"), small)

	exact := bytes.Repeat([]byte{'x'}, 6)
	assert.Equal(t, 5, WriteReport(exact, "hello"))
	assert.Equal(t, []byte("hello\x00"), exact)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "GPU_RUN", StateGPURun.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.True(t, StateReport.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateVerify.Terminal())
}

func TestLayout(t *testing.T) {
	l := Layout(512000)
	require.NoError(t, l.Validate())
	assert.Equal(t, uint32(4000), l.Groups)
	require.Len(t, l.Buffers, field.BindingCount)
	assert.Equal(t, "R", l.Buffers[field.BindingResult].Name)
	assert.Equal(t, uint64(512000*32), l.Buffers[field.BindingA].Size)
	assert.Equal(t, gpu.Uniform, l.Buffers[field.BindingParams].Type)
	assert.Equal(t, uint64(48), l.Buffers[field.BindingParams].Size)
}

func TestRunReferenceScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size workload skipped in short mode")
	}
	shader := fieldShader(t)
	buf := make([]byte, 64*1024)
	n := RunWithParams(shader, 512000, 160, buf, softOpts()...)
	require.Positive(t, n)
	assert.Equal(t, byte(0), buf[n])
	text := string(buf[:n])

	assert.Contains(t, text, "CPU eq: true\n")
	assert.Contains(t, text, "Vulkan eq: true\n")
	assert.Contains(t, text, "VectorSize: 512000\n")
	assert.Contains(t, text, "a[0]: 0x0000000000000001,0x0000000000000001,0x0000000000000001,0x0000000000000001\n")
	assert.Contains(t, text, "b[0]: 0x0000000000000002,0x0000000000000002,0x0000000000000002,0x0000000000000002\n")
	assert.Contains(t, text, "r[M]: "+expected(160).String()+"\n")
	assert.NotContains(t, text, "Failed:")
}

func TestRunClampsTinyWorkload(t *testing.T) {
	shader := fieldShader(t)
	buf := make([]byte, 16*1024)
	n := RunWithParams(shader, 50, 0, buf, softOpts()...)
	text := string(buf[:n])

	assert.Contains(t, text, "VectorSize: 128\n")
	assert.Contains(t, text, "CPU eq: true\n")
	assert.Contains(t, text, "Vulkan eq: true\n")
	assert.Contains(t, text, "r[0]: "+expected(1).String()+"\n")
	assert.NotContains(t, text, "Failed:")
}

func TestRunClampingIsIdempotent(t *testing.T) {
	shader := fieldShader(t)
	raw, err := Run(shader, 50, 0, softOpts()...)
	require.NoError(t, err)
	clamped, err := Run(shader, 128, 1, softOpts()...)
	require.NoError(t, err)

	assert.Equal(t, clamped.Points, raw.Points)
	assert.Equal(t, clamped.Iters, raw.Iters)
	assert.Equal(t, clamped.R0, raw.R0)
	assert.Equal(t, clamped.RM, raw.RM)
	assert.Equal(t, clamped.Buffers, raw.Buffers)
	assert.Equal(t, clamped.GPUEqual, raw.GPUEqual)
}

func TestRunIndependentOfThreadCount(t *testing.T) {
	shader := fieldShader(t)
	var last string
	for _, threads := range []int{1, 3, 7, 300} {
		rep, err := Run(shader, 256, 2, softOpts(WithThreads(threads))...)
		require.NoError(t, err, "threads=%d", threads)
		assert.Equal(t, threads, rep.Threads)
		assert.True(t, rep.CPUEqual, "threads=%d", threads)
		assert.True(t, rep.GPUEqual, "threads=%d", threads)
		assert.Equal(t, expected(2).String(), rep.RM, "threads=%d", threads)
		if last != "" {
			assert.Equal(t, last, rep.RM, "threads=%d", threads)
		}
		last = rep.RM
	}
}

func TestRunReport(t *testing.T) {
	shader := fieldShader(t)
	rep, err := Run(shader, 1024, 3, softOpts(WithMemoryTypes(soft.UnifiedMemory))...)
	require.NoError(t, err)

	assert.Equal(t, StateReport, rep.State)
	assert.False(t, rep.Failed())
	assert.True(t, rep.CPUEqual)
	assert.True(t, rep.GPUEqual)
	assert.Equal(t, -1, rep.Mismatch)
	assert.Equal(t, 4, rep.Threads)
	assert.Equal(t, 32, rep.ElementSize)
	assert.Equal(t, len(soft.Module(0, 1, 2, 3)), rep.ShaderSize)
	assert.Contains(t, rep.Device, "soft backend")
	assert.Contains(t, rep.Device, "shared")

	text := rep.Text()
	order := []string{"threads: 4", "Single execution time:", "Parallel execution time:", "CPU eq:",
		"Device:", "GPU execution time:", "Vulkan eq:", "ElementSize: 32", "VectorSize: 1024",
		"BufferSizes: R=32768 A=32768 B=32768 Params=48", "ShaderSize:", "a[0]:", "b[0]:", "r[0]:", "r[M]:"}
	last := -1
	for _, line := range order {
		idx := strings.Index(text, line)
		require.GreaterOrEqual(t, idx, 0, "missing %q", line)
		assert.Greater(t, idx, last, "%q out of order", line)
		last = idx
	}
}

func TestRenderFormats(t *testing.T) {
	rep, err := Run(fieldShader(t), 128, 1, softOpts()...)
	require.NoError(t, err)

	out, err := rep.Render("json")
	require.NoError(t, err)
	var j map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &j))
	assert.Equal(t, "REPORT", j["state"])
	assert.Equal(t, true, j["gpu_eq"])

	out, err = rep.Render("yaml")
	require.NoError(t, err)
	var y map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &y))
	assert.Equal(t, "REPORT", y["state"])
	assert.Equal(t, 128, y["points"])

	out, err = rep.Render("text")
	require.NoError(t, err)
	assert.Equal(t, rep.Text(), out)

	_, err = rep.Render("csv")
	assert.Error(t, err)
}

func TestRunMissingShaderKeepsCPUText(t *testing.T) {
	buf := make([]byte, 4096)
	n := RunWithParams(filepath.Join(t.TempDir(), "absent.spv"), 128, 1, buf, softOpts()...)
	text := string(buf[:n])

	assert.Contains(t, text, "CPU eq: true\n")
	assert.Contains(t, text, "Failed: ")
	assert.NotContains(t, text, "Vulkan eq")
	assert.True(t, strings.Index(text, "CPU eq") < strings.Index(text, "Failed: "))

	rep, err := Run(filepath.Join(t.TempDir(), "absent.spv"), 128, 1, softOpts()...)
	assert.ErrorIs(t, err, gpu.ErrShaderLoad)
	assert.Equal(t, StateFailed, rep.State)
	assert.NotEmpty(t, rep.Failure)
}

func TestRunBindingMismatch(t *testing.T) {
	shader := writeShader(t, 0, 1, 2)
	rep, err := Run(shader, 128, 1, softOpts()...)
	assert.ErrorIs(t, err, gpu.ErrPipelineCreation)
	assert.True(t, rep.Failed())
	assert.Contains(t, rep.Text(), "Failed: ")
}

func TestRunUnknownBackend(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rep, err := Run(fieldShader(t), 128, 1, WithBackend("missing"), WithLogger(logger))
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.ErrorIs(t, err, gpu.ErrRuntimeDevice)
	assert.Contains(t, rep.Text(), "Failed: no compute device")
}

func TestRunRecoversPanics(t *testing.T) {
	gpu.Register("panicky", func(gpu.Options) (gpu.Driver, error) { panic("boom") })
	defer gpu.Register("panicky", nil)

	buf := make([]byte, 4096)
	logger, _ := test.NewNullLogger()
	n := RunWithParams(fieldShader(t), 128, 1, buf, WithBackend("panicky"), WithLogger(logger))
	text := string(buf[:n])
	assert.Contains(t, text, "CPU eq: true\n")
	assert.True(t, strings.HasSuffix(text, "Failed: boom\n"), text)
}

// stickyDriver reports a failure when the device is closed.
type stickyDriver struct{ *soft.Driver }

func (d stickyDriver) Close() error {
	d.Driver.Close()
	return errors.New("device lost")
}

func TestRunLogsSessionCloseFailure(t *testing.T) {
	gpu.Register("sticky", func(opts gpu.Options) (gpu.Driver, error) {
		return stickyDriver{soft.New(opts)}, nil
	})
	defer gpu.Register("sticky", nil)

	logger, hook := test.NewNullLogger()
	rep, err := Run(fieldShader(t), 128, 1, WithBackend("sticky"), WithLogger(logger))
	require.NoError(t, err)
	assert.Equal(t, StateReport, rep.State)
	assert.True(t, rep.GPUEqual)

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "closing gpu session failed" {
			found = true
			assert.Equal(t, logrus.WarnLevel, e.Level)
			assert.Contains(t, e.Data[logrus.ErrorKey].(error).Error(), "device lost")
		}
	}
	assert.True(t, found, "session close failure was not logged")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "unknown error", describe(nil))
	assert.Equal(t, "unknown error", describe(&panicError{}))
	assert.Equal(t, "unknown error", describe(errors.New("")))
	assert.Equal(t, "bad", describe(&panicError{value: errors.New("bad")}))
	assert.Equal(t, "42", describe(&panicError{value: 42}))
}

func TestReportTruncation(t *testing.T) {
	shader := fieldShader(t)
	buf := bytes.Repeat([]byte{0xff}, 16)
	n := RunWithParams(shader, 128, 1, buf, softOpts()...)
	assert.Equal(t, 15, n)
	assert.Equal(t, byte(0), buf[15])
	assert.Equal(t, "threads: 4\nSing", string(buf[:n]))

	assert.Zero(t, RunWithParams(shader, 128, 1, nil, softOpts()...))
}

func TestRunRecordsMetrics(t *testing.T) {
	rec := metrics.New()
	_, err := Run(fieldShader(t), 256, 2, softOpts(WithMetrics(rec))...)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Runs.WithLabelValues("REPORT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Verdict.WithLabelValues("cpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Verdict.WithLabelValues("gpu")))
	assert.Equal(t, 256.0, testutil.ToFloat64(rec.Points))
	assert.Equal(t, 3, testutil.CollectAndCount(rec.Duration))

	_, err = Run(filepath.Join(t.TempDir(), "absent.spv"), 128, 1, softOpts(WithMetrics(rec))...)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Runs.WithLabelValues("FAILED")))
}
