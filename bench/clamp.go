package bench

import "github.com/openfluke/fieldbench/field"

const (
	// DefaultPoints and DefaultIters are the RunDefault workload.
	DefaultPoints = 500 * 1024
	DefaultIters  = 160

	MinPoints = field.WorkgroupSize
	MaxPoints = 1000 * 1024 * 1024
	MinIters  = 1
	MaxIters  = 1000 * 1000
)

// ClampPoints limits n to [MinPoints, MaxPoints] and rounds up to a whole
// number of workgroups.
func ClampPoints(n int64) int {
	if n < MinPoints {
		n = MinPoints
	}
	if n > MaxPoints {
		n = MaxPoints
	}
	const wg = field.WorkgroupSize
	return int((n + wg - 1) / wg * wg)
}

// ClampIters limits n to [MinIters, MaxIters].
func ClampIters(n int64) int {
	if n < MinIters {
		return MinIters
	}
	if n > MaxIters {
		return MaxIters
	}
	return int(n)
}
