package bench

// State is a harness stage. Runs move INIT → CPU_RUN → GPU_RUN → VERIFY →
// REPORT, or end in FAILED from any of the first three.
type State int

const (
	StateInit State = iota
	StateCPURun
	StateGPURun
	StateVerify
	StateReport
	StateFailed
)

var stateNames = [...]string{"INIT", "CPU_RUN", "GPU_RUN", "VERIFY", "REPORT", "FAILED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateReport || s == StateFailed }

// MarshalText renders the state name in JSON and YAML reports.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
