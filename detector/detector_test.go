package detector

import (
	"encoding/json"
	"testing"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/gpu/soft"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func softSession(t *testing.T, types []gpu.MemoryType) (*gpu.Session, *soft.Driver) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	d := soft.New(gpu.Options{Logger: logger, MemoryTypes: types})
	s := gpu.NewSession(d, logger)
	t.Cleanup(func() { s.Close() })
	return s, d
}

func TestDetectDiscrete(t *testing.T) {
	s, _ := softSession(t, soft.DiscreteMemory)
	rep := Detect(s, 0)

	assert.Equal(t, "soft", rep.Backend)
	assert.Equal(t, "cpu", rep.AdapterType)
	assert.Equal(t, "0x10005", rep.VendorID)
	assert.Equal(t, "native", rep.Runtime)
	assert.NotZero(t, rep.Host.CPUs)
	require.Len(t, rep.Memory, 3)
	assert.Equal(t, "device-local", rep.Memory[0].Flags)
	require.Len(t, rep.Heaps, 2)
	assert.True(t, rep.Heaps[0].DeviceLocal)
	assert.Equal(t, uint64(4096), rep.Heaps[0].SizeMiB)

	assert.False(t, rep.Recommended.SharedPath)
	assert.Equal(t, uint32(128), rep.Recommended.WorkgroupX)
	assert.Equal(t, defaultBudget, rep.Recommended.BudgetBytes)
	assert.Equal(t, uint64(1398016), rep.Recommended.MaxPoints)
	assert.Nil(t, rep.Limits)
}

func TestDetectUnified(t *testing.T) {
	s, _ := softSession(t, soft.UnifiedMemory)
	rep := Detect(s, 0)
	assert.True(t, rep.Recommended.SharedPath)
	require.Len(t, rep.Heaps, 1)
}

func TestBudget(t *testing.T) {
	s, _ := softSession(t, nil)
	rep := Detect(s, 12)
	assert.Equal(t, uint64(12<<20), rep.Recommended.BudgetBytes)
	assert.Equal(t, uint64(131072), rep.Recommended.MaxPoints)

	s, d := softSession(t, nil)
	d.SetHeapSize(0, 64<<20)
	rep = Detect(s, DefaultBudgetMB)
	assert.Equal(t, uint64(64<<20), rep.Recommended.BudgetBytes)
	assert.Equal(t, uint64(699008), rep.Recommended.MaxPoints)
}

func TestMaxPointsHonoursBindingLimit(t *testing.T) {
	l := &Limits{MaxStorageBufferBindingSize: 128 << 20}
	assert.Equal(t, uint64(4<<20), maxPoints(1<<40, l))
	assert.Zero(t, maxPoints(64, nil))
}

func TestChooseWorkgroup(t *testing.T) {
	assert.Equal(t, uint32(128), chooseWorkgroup(Limits{MaxComputeWorkgroupSizeX: 1024, MaxComputeInvocationsPerWorkgroup: 1024}))
	assert.Equal(t, uint32(64), chooseWorkgroup(Limits{MaxComputeWorkgroupSizeX: 64, MaxComputeInvocationsPerWorkgroup: 256}))
	assert.Equal(t, uint32(1), chooseWorkgroup(Limits{}))
}

func TestRender(t *testing.T) {
	s, _ := softSession(t, nil)
	rep := Detect(s, 0)

	out, err := rep.Render("json")
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "soft", decoded["backend"])
	assert.NotContains(t, decoded, "limits")

	out, err = rep.Render("YAML")
	require.NoError(t, err)
	var y map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &y))
	assert.Equal(t, "soft", y["backend"])

	_, err = rep.Render("xml")
	assert.EqualError(t, err, `unknown report format "xml"`)
}

func TestDetectBackend(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rep, err := DetectBackend(soft.Name, gpu.Options{Logger: logger}, 0)
	require.NoError(t, err)
	assert.Equal(t, soft.Name, rep.Backend)

	_, err = DetectBackend("nope", gpu.Options{Logger: logger}, 0)
	assert.ErrorIs(t, err, gpu.ErrRuntimeDevice)
}
