package gpu_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/gpu/soft"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wordsPerGroup = 4

// sumKernel writes out[i] = a[i] + b[i] + k over uint32 words, where k is the
// first word of the uniform block.
func sumKernel(group uint32, bindings [][]byte) error {
	if len(bindings) != 4 {
		return errors.Errorf("want 4 bindings, got %d", len(bindings))
	}
	out, a, b, p := bindings[0], bindings[1], bindings[2], bindings[3]
	k := binary.LittleEndian.Uint32(p)
	for w := 0; w < wordsPerGroup; w++ {
		off := (int(group)*wordsPerGroup + w) * 4
		if off+4 > len(out) {
			return errors.Errorf("group %d out of range", group)
		}
		v := binary.LittleEndian.Uint32(a[off:]) + binary.LittleEndian.Uint32(b[off:]) + k
		binary.LittleEndian.PutUint32(out[off:], v)
	}
	return nil
}

func writeShader(t *testing.T, code []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shader.spv")
	require.NoError(t, os.WriteFile(path, code, 0o644))
	return path
}

func openSoft(t *testing.T, types []gpu.MemoryType) (*gpu.Session, *soft.Driver) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	drv := soft.New(gpu.Options{Logger: logger, Kernel: sumKernel, MemoryTypes: types})
	s := gpu.NewSession(drv, logger)
	t.Cleanup(func() { s.Close() })
	return s, drv
}

func sumLayout(words int) gpu.MemoryLayout {
	size := uint64(words * 4)
	return gpu.MemoryLayout{
		Buffers: []gpu.BufferSpec{
			{Name: "R", Type: gpu.Storage, Size: size, Direction: gpu.Download},
			{Name: "A", Type: gpu.Storage, Size: size, Direction: gpu.Upload},
			{Name: "B", Type: gpu.Storage, Size: size, Direction: gpu.Upload},
			{Name: "Params", Type: gpu.Uniform, Size: 16, Direction: gpu.Upload},
		},
		Groups: uint32(words / wordsPerGroup),
	}
}

func sumData(words int, k uint32) [][]byte {
	r := make([]byte, words*4)
	for i := range r {
		r[i] = 0xff
	}
	a := make([]byte, words*4)
	b := make([]byte, words*4)
	for i := 0; i < words; i++ {
		binary.LittleEndian.PutUint32(a[i*4:], uint32(i))
		binary.LittleEndian.PutUint32(b[i*4:], uint32(1000*i))
	}
	p := make([]byte, 16)
	binary.LittleEndian.PutUint32(p, k)
	return [][]byte{r, a, b, p}
}

// TestBufferTierSelection checks which placement each memory table yields.
func TestBufferTierSelection(t *testing.T) {
	cases := []struct {
		name        string
		types       []gpu.MemoryType
		shared      bool
		wantPrimary gpu.MemoryProperty
		wantStaging gpu.MemoryProperty
	}{
		{"unified", soft.UnifiedMemory, true, gpu.MemoryDeviceLocal | gpu.MemoryHostVisible | gpu.MemoryHostCoherent, 0},
		{"discrete", soft.DiscreteMemory, false, gpu.MemoryDeviceLocal, gpu.MemoryHostVisible | gpu.MemoryHostCoherent},
		{"non-coherent", soft.NonCoherentMemory, false, gpu.MemoryDeviceLocal, gpu.MemoryHostVisible | gpu.MemoryHostCached},
		{"coherent preferred", []gpu.MemoryType{
			{Properties: gpu.MemoryDeviceLocal | gpu.MemoryHostVisible},
			{Properties: gpu.MemoryDeviceLocal | gpu.MemoryHostVisible | gpu.MemoryHostCoherent},
		}, true, gpu.MemoryDeviceLocal | gpu.MemoryHostVisible | gpu.MemoryHostCoherent, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := openSoft(t, tc.types)
			b, err := gpu.NewBuffer(s, "A", 1024, gpu.Storage)
			require.NoError(t, err)
			defer b.Destroy()

			assert.Equal(t, tc.shared, b.Shared())
			primary, staging := b.MemoryFlags()
			assert.Equal(t, tc.wantPrimary, primary)
			assert.Equal(t, tc.wantStaging, staging)
			assert.Equal(t, uint64(1024), b.Size())
			assert.Equal(t, gpu.Storage, b.Type())
		})
	}
}

func TestBufferNoDeviceLocalMemory(t *testing.T) {
	s, _ := openSoft(t, []gpu.MemoryType{{Properties: gpu.MemoryHostVisible | gpu.MemoryHostCoherent}})
	_, err := gpu.NewBuffer(s, "A", 1024, gpu.Storage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrAllocation), err.Error())
	assert.Equal(t, gpu.AllocationFailure, gpu.KindOf(err))
}

func TestBufferHeapExhausted(t *testing.T) {
	s, drv := openSoft(t, soft.DiscreteMemory)
	drv.SetHeapSize(0, 1024)

	_, err := gpu.NewBuffer(s, "big", 4096, gpu.Storage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrAllocation))

	// nothing leaks from the failed construction
	buffers, memory := drv.Live()
	assert.Zero(t, buffers)
	assert.Zero(t, memory)
}

func TestBufferSharedHeapExhaustedFallsBackToStaging(t *testing.T) {
	s, drv := openSoft(t, []gpu.MemoryType{
		{Properties: gpu.MemoryDeviceLocal, HeapIndex: 0},
		{Properties: gpu.MemoryDeviceLocal | gpu.MemoryHostVisible | gpu.MemoryHostCoherent, HeapIndex: 1},
		{Properties: gpu.MemoryHostVisible | gpu.MemoryHostCoherent, HeapIndex: 2},
	})
	drv.SetHeapSize(1, 1024)

	b, err := gpu.NewBuffer(s, "A", 4096, gpu.Storage)
	require.NoError(t, err)
	assert.False(t, b.Shared())
	primary, staging := b.MemoryFlags()
	assert.Equal(t, gpu.MemoryDeviceLocal, primary)
	assert.Equal(t, gpu.MemoryHostVisible|gpu.MemoryHostCoherent, staging)

	in := make([]byte, 4096)
	for i := range in {
		in[i] = byte(i)
	}
	require.NoError(t, b.CopyFromLocal(in))
	cmd, err := s.BeginCommands()
	require.NoError(t, err)
	b.RecordCopyToDevice(cmd)
	b.RecordCopyFromDevice(cmd)
	require.NoError(t, s.Submit(cmd))
	cmd.Release()

	out := make([]byte, 4096)
	require.NoError(t, b.CopyToLocal(out))
	assert.Equal(t, in, out)

	b.Destroy()
	buffers, memory := drv.Live()
	assert.Zero(t, buffers)
	assert.Zero(t, memory)
}

func TestBufferCapacity(t *testing.T) {
	s, _ := openSoft(t, soft.DiscreteMemory)
	b, err := gpu.NewBuffer(s, "A", 64, gpu.Storage)
	require.NoError(t, err)

	err = b.CopyFromLocal(make([]byte, 65))
	assert.True(t, errors.Is(err, gpu.ErrAllocation))
	err = b.CopyToLocal(make([]byte, 65))
	assert.True(t, errors.Is(err, gpu.ErrAllocation))
	assert.NoError(t, b.CopyFromLocal(make([]byte, 64)))

	_, err = gpu.NewBuffer(s, "empty", 0, gpu.Storage)
	assert.True(t, errors.Is(err, gpu.ErrAllocation))
}

func TestDeviceOnlyBuffer(t *testing.T) {
	s, _ := openSoft(t, soft.UnifiedMemory)
	b, err := gpu.NewBuffer(s, "scratch", 256, gpu.DeviceOnly)
	require.NoError(t, err)

	assert.False(t, b.Shared())
	_, staging := b.MemoryFlags()
	assert.Zero(t, staging)

	err = b.CopyFromLocal([]byte{1, 2, 3, 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no host path")
	assert.True(t, errors.Is(err, gpu.ErrAllocation))
}

// TestBufferRoundTrip moves bytes host -> device -> host through an explicit
// command buffer, the way a pipeline does it.
func TestBufferRoundTrip(t *testing.T) {
	for _, types := range [][]gpu.MemoryType{soft.DiscreteMemory, soft.UnifiedMemory, soft.NonCoherentMemory} {
		s, _ := openSoft(t, types)
		src, err := gpu.NewBuffer(s, "src", 32, gpu.Storage)
		require.NoError(t, err)

		in := []byte("0123456789abcdef0123456789abcdef")
		require.NoError(t, src.CopyFromLocal(in))

		cmd, err := s.BeginCommands()
		require.NoError(t, err)
		src.RecordCopyToDevice(cmd)
		src.RecordMemoryBarrier(cmd, gpu.AccessTransferWrite, gpu.AccessTransferRead, gpu.StageTransfer, gpu.StageTransfer)
		src.RecordCopyFromDevice(cmd)
		src.RecordMemoryBarrier(cmd, gpu.AccessTransferWrite, gpu.AccessHostRead, gpu.StageTransfer, gpu.StageHost)
		require.NoError(t, s.Submit(cmd))
		cmd.Release()

		out := make([]byte, 32)
		require.NoError(t, src.CopyToLocal(out))
		assert.Equal(t, in, out)
	}
}

func TestBufferFillAndUpdate(t *testing.T) {
	s, _ := openSoft(t, soft.DiscreteMemory)
	b, err := gpu.NewBuffer(s, "A", 16, gpu.Storage)
	require.NoError(t, err)

	cmd, err := s.BeginCommands()
	require.NoError(t, err)
	b.Fill(cmd, 0x01020304)
	require.NoError(t, b.Update(cmd, []byte{9, 9, 9, 9}))
	b.RecordCopyFromDevice(cmd)
	require.NoError(t, s.Submit(cmd))

	out := make([]byte, 16)
	require.NoError(t, b.CopyToLocal(out))
	assert.Equal(t, []byte{9, 9, 9, 9, 4, 3, 2, 1, 4, 3, 2, 1, 4, 3, 2, 1}, out)

	cmd, err = s.BeginCommands()
	require.NoError(t, err)
	assert.Error(t, b.Update(cmd, []byte{1, 2, 3}))
	assert.Error(t, b.Update(cmd, make([]byte, 20)))
	assert.Error(t, b.Update(cmd, make([]byte, gpu.MaxUpdateSize+4)))
}

func TestPipelineRun(t *testing.T) {
	const words = 64
	for name, types := range map[string][]gpu.MemoryType{
		"discrete":     soft.DiscreteMemory,
		"unified":      soft.UnifiedMemory,
		"non-coherent": soft.NonCoherentMemory,
	} {
		t.Run(name, func(t *testing.T) {
			s, _ := openSoft(t, types)
			p, err := gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2, 3)), sumLayout(words))
			require.NoError(t, err)
			defer p.Close()

			data := sumData(words, 7)
			require.NoError(t, p.Run(data))
			for i := 0; i < words; i++ {
				got := binary.LittleEndian.Uint32(data[0][i*4:])
				assert.Equal(t, uint32(1001*i+7), got, "word %d", i)
			}

			// a second run with new inputs reuses the same buffers
			data = sumData(words, 1)
			require.NoError(t, p.Run(data))
			assert.Equal(t, uint32(1001*5+1), binary.LittleEndian.Uint32(data[0][5*4:]))
		})
	}
}

// TestPipelineCommandOrder checks the recorded sequence on a staged device.
func TestPipelineCommandOrder(t *testing.T) {
	s, drv := openSoft(t, soft.DiscreteMemory)
	p, err := gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2, 3)), sumLayout(16))
	require.NoError(t, err)
	defer p.Close()

	drv.ResetTrace()
	require.NoError(t, p.Run(sumData(16, 0)))

	ops := drv.Trace()
	assert.Equal(t, []soft.OpKind{
		soft.OpFill, soft.OpBarrier, // R cleared
		soft.OpCopy, soft.OpBarrier, // A
		soft.OpCopy, soft.OpBarrier, // B
		soft.OpCopy, soft.OpBarrier, // Params
		soft.OpBindPipeline, soft.OpBindSet, soft.OpDispatch,
		soft.OpBarrier, soft.OpCopy, soft.OpBarrier, // R read back
	}, soft.Kinds(ops))

	assert.Equal(t, gpu.AccessUniformRead, ops[7].DstAccess)
	assert.Equal(t, gpu.StageComputeShader, ops[7].DstStage)
	assert.Equal(t, gpu.AccessShaderWrite, ops[11].SrcAccess)
	assert.Equal(t, gpu.AccessTransferRead, ops[11].DstAccess)
	assert.Equal(t, gpu.AccessHostRead, ops[13].DstAccess)
	assert.Equal(t, gpu.StageHost, ops[13].DstStage)
	assert.Equal(t, [3]uint32{4, 1, 1}, ops[10].Groups)
}

func TestPipelineSharedCommandOrder(t *testing.T) {
	s, drv := openSoft(t, soft.UnifiedMemory)
	p, err := gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2, 3)), sumLayout(16))
	require.NoError(t, err)
	defer p.Close()

	drv.ResetTrace()
	require.NoError(t, p.Run(sumData(16, 0)))

	ops := drv.Trace()
	assert.Equal(t, []soft.OpKind{
		soft.OpFill, soft.OpBarrier,
		soft.OpBarrier, soft.OpBarrier, soft.OpBarrier,
		soft.OpBindPipeline, soft.OpBindSet, soft.OpDispatch,
		soft.OpBarrier,
	}, soft.Kinds(ops))
	assert.Equal(t, gpu.AccessHostWrite, ops[2].SrcAccess)
	assert.Equal(t, gpu.AccessShaderWrite, ops[8].SrcAccess)
	assert.Equal(t, gpu.AccessHostRead, ops[8].DstAccess)
}

func TestPipelineNonCoherentSync(t *testing.T) {
	s, drv := openSoft(t, soft.NonCoherentMemory)
	p, err := gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2, 3)), sumLayout(16))
	require.NoError(t, err)
	defer p.Close()

	drv.ResetTrace()
	require.NoError(t, p.Run(sumData(16, 0)))

	var flushes, invalidates int
	for _, op := range drv.Trace() {
		switch op.Kind {
		case soft.OpFlush:
			flushes++
		case soft.OpInvalidate:
			invalidates++
		}
	}
	assert.Equal(t, 3, flushes)
	assert.Equal(t, 1, invalidates)
}

func TestPipelineErrors(t *testing.T) {
	s, _ := openSoft(t, soft.DiscreteMemory)

	_, err := gpu.NewPipeline(s, filepath.Join(t.TempDir(), "missing.spv"), sumLayout(16))
	assert.True(t, errors.Is(err, gpu.ErrShaderLoad), "%v", err)

	_, err = gpu.NewPipeline(s, writeShader(t, nil), sumLayout(16))
	assert.True(t, errors.Is(err, gpu.ErrShaderLoad), "%v", err)

	_, err = gpu.NewPipeline(s, writeShader(t, []byte("not a spir-v module at all")), sumLayout(16))
	assert.True(t, errors.Is(err, gpu.ErrPipelineCreation), "%v", err)

	_, err = gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2)), sumLayout(16))
	assert.True(t, errors.Is(err, gpu.ErrPipelineCreation), "%v", err)

	_, err = gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2, 3)), gpu.MemoryLayout{})
	assert.True(t, errors.Is(err, gpu.ErrPipelineCreation), "%v", err)

	p, err := gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2, 3)), sumLayout(16))
	require.NoError(t, err)
	assert.True(t, errors.Is(p.Run(make([][]byte, 3)), gpu.ErrPipelineCreation))

	data := sumData(16, 0)
	data[1] = make([]byte, 1024)
	assert.True(t, errors.Is(p.Run(data), gpu.ErrAllocation))

	p.Close()
	assert.True(t, errors.Is(p.Run(sumData(16, 0)), gpu.ErrRuntimeDevice))
}

func TestPipelineDebugInfo(t *testing.T) {
	s, _ := openSoft(t, soft.DiscreteMemory)
	code := soft.Module(0, 1, 2, 3)
	p, err := gpu.NewPipeline(s, writeShader(t, code), sumLayout(16))
	require.NoError(t, err)

	assert.Equal(t, len(code), p.ShaderSize())
	assert.Len(t, p.Buffers(), 4)
	assert.Equal(t, uint32(4), p.Layout().Groups)

	info := p.DebugInfo()
	assert.Contains(t, info, "Host emulated device")
	assert.Contains(t, info, "Memory type 0: heap 0 device-local")
	assert.Contains(t, info, "Binding 3 Params: 16 bytes uniform staged")
}

// TestSessionCloseReleasesEverything leaves a pipeline and a buffer open and
// lets the session clean them up.
func TestSessionCloseReleasesEverything(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	drv := soft.New(gpu.Options{Logger: logger, Kernel: sumKernel})
	s := gpu.NewSession(drv, logger)

	_, err := gpu.NewPipeline(s, writeShader(t, soft.Module(0, 1, 2, 3)), sumLayout(16))
	require.NoError(t, err)
	_, err = gpu.NewBuffer(s, "extra", 64, gpu.Storage)
	require.NoError(t, err)

	buffers, _ := drv.Live()
	assert.Positive(t, buffers)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	buffers, memory := drv.Live()
	assert.Zero(t, buffers)
	assert.Zero(t, memory)
	assert.True(t, drv.Closed())
	assert.NotEmpty(t, hook.AllEntries())

	_, err = s.BeginCommands()
	assert.True(t, errors.Is(err, gpu.ErrRuntimeDevice))
	_, err = gpu.NewBuffer(s, "late", 64, gpu.Storage)
	assert.True(t, errors.Is(err, gpu.ErrRuntimeDevice))
}

// idleRecorder records how many buffers are still alive when the session waits
// for the device.
type idleRecorder struct {
	*soft.Driver
	liveAtIdle []int
}

func (d *idleRecorder) WaitIdle() error {
	buffers, _ := d.Live()
	d.liveAtIdle = append(d.liveAtIdle, buffers)
	return d.Driver.WaitIdle()
}

func TestSessionCloseWaitsBeforeTeardown(t *testing.T) {
	logger, _ := test.NewNullLogger()
	drv := &idleRecorder{Driver: soft.New(gpu.Options{Logger: logger, Kernel: sumKernel, MemoryTypes: soft.DiscreteMemory})}
	s := gpu.NewSession(drv, logger)

	_, err := gpu.NewBuffer(s, "A", 256, gpu.Storage)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.Len(t, drv.liveAtIdle, 1)
	assert.Equal(t, 2, drv.liveAtIdle[0], "device must be idle before buffers are destroyed")
	buffers, memory := drv.Live()
	assert.Zero(t, buffers)
	assert.Zero(t, memory)
}

func TestOpenRegisteredBackends(t *testing.T) {
	assert.Contains(t, gpu.Backends(), soft.Name)

	s, err := gpu.Open(soft.Name, gpu.Options{Kernel: sumKernel})
	require.NoError(t, err)
	assert.Equal(t, soft.Name, s.Info().Backend)
	assert.Len(t, s.MemoryTypes(), len(soft.DiscreteMemory))
	require.NoError(t, s.Close())

	_, err = gpu.Open("no-such-backend", gpu.Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gpu.ErrRuntimeDevice))
	assert.Contains(t, err.Error(), "no-such-backend")
}

func TestErrorKinds(t *testing.T) {
	err := &gpu.Error{Kind: gpu.ShaderLoadFailure, Op: "load shader", Err: os.ErrNotExist}
	assert.Equal(t, "load shader: shader load failure: file does not exist", err.Error())
	assert.True(t, errors.Is(err, gpu.ErrShaderLoad))
	assert.False(t, errors.Is(err, gpu.ErrAllocation))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	wrapped := errors.Wrap(err, "gpu run")
	assert.Equal(t, gpu.ShaderLoadFailure, gpu.KindOf(wrapped))
	assert.Equal(t, gpu.UnknownFailure, gpu.KindOf(errors.New("plain")))
	assert.Equal(t, "gpu: unknown failure", gpu.ErrUnknown.Error())
}
