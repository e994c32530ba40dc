package pool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPartitionIsPartition checks coverage, disjointness and contiguity for a
// spread of sizes and thread counts.
func TestPartitionIsPartition(t *testing.T) {
	sizes := []int{1, 2, 7, 128, 1000, 4096 + 3}
	threads := []int{1, 2, 3, 8, 16, 64, 5000}

	for _, size := range sizes {
		for _, n := range threads {
			chunks := Partition(10, 10+size, n)
			require.NotEmpty(t, chunks)
			assert.LessOrEqual(t, len(chunks), n)

			next := 10
			for _, c := range chunks {
				assert.Equal(t, next, c.Begin, "size=%d threads=%d", size, n)
				assert.Positive(t, c.Len())
				next = c.End
			}
			assert.Equal(t, 10+size, next, "size=%d threads=%d", size, n)

			// chunk sizes differ by at most one
			minLen, maxLen := chunks[0].Len(), chunks[0].Len()
			for _, c := range chunks {
				minLen = min(minLen, c.Len())
				maxLen = max(maxLen, c.Len())
			}
			assert.LessOrEqual(t, maxLen-minLen, 1)
		}
	}
}

func TestPartitionEmpty(t *testing.T) {
	assert.Empty(t, Partition(5, 5, 4))
	assert.Empty(t, Partition(5, 1, 4))
	assert.Len(t, Partition(0, 3, 0), 1)
}

// TestParallelForVisitsEachIndexOnce counts visits per index.
func TestParallelForVisitsEachIndexOnce(t *testing.T) {
	for _, n := range []int{1, 3, runtime.NumCPU(), 32} {
		p := New(n)
		const size = 10007
		visits := make([]int32, size)

		err := p.ParallelFor(0, size, func(begin, end, worker int) {
			for i := begin; i < end; i++ {
				atomic.AddInt32(&visits[i], 1)
			}
		})
		require.NoError(t, err)
		for i, v := range visits {
			if v != 1 {
				t.Fatalf("threads=%d: index %d visited %d times", n, i, v)
			}
		}
		p.Close()
	}
}

func TestParallelForWorkerIDs(t *testing.T) {
	p := New(4)
	defer p.Close()

	var seen [4]int32
	require.NoError(t, p.ParallelFor(0, 400, func(begin, end, worker int) {
		atomic.AddInt32(&seen[worker], int32(end-begin))
	}))
	for w, n := range seen {
		assert.Equal(t, int32(100), n, "worker %d", w)
	}
}

func TestParallelForPanic(t *testing.T) {
	p := New(2)
	defer p.Close()

	err := p.ParallelFor(0, 10, func(begin, end, worker int) {
		if begin == 0 {
			panic("boom")
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// the pool stays usable after a panicking chunk
	require.NoError(t, p.ParallelFor(0, 10, func(int, int, int) {}))
}

func TestClosedPool(t *testing.T) {
	p := New(0)
	assert.Equal(t, runtime.NumCPU(), p.Threads())
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.ParallelFor(0, 10, func(int, int, int) {}), ErrClosed)
}

func TestDetectHost(t *testing.T) {
	h := DetectHost()
	assert.Equal(t, runtime.GOARCH, h.Arch)
	assert.Equal(t, runtime.NumCPU(), h.CPUs)
	assert.Contains(t, h.String(), runtime.GOARCH)
}
