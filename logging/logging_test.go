package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevelFallback(t *testing.T) {
	defer Set(nil)
	require.NoError(t, Init("chatty", "", false))
	assert.Equal(t, logrus.InfoLevel, Get().GetLevel())

	require.NoError(t, Init("debug", "", false))
	assert.Equal(t, logrus.DebugLevel, Get().GetLevel())
}

func TestInitFile(t *testing.T) {
	defer Set(nil)
	path := filepath.Join(t.TempDir(), "nested", "fieldbench.log")
	require.NoError(t, Init("info", path, false))
	Infof("run finished in %d ms", 42)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "run finished in 42 ms")
}

func TestComponent(t *testing.T) {
	defer Set(nil)
	l, hook := test.NewNullLogger()
	Set(l)
	Component("bench").Info("stage")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "bench", hook.LastEntry().Data["component"])
}

func TestGetDefault(t *testing.T) {
	Set(nil)
	assert.NotNil(t, Get())
}
