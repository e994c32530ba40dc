package bench

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoDevice wraps failures to open the configured GPU backend.
	ErrNoDevice = errors.New("no compute device")
	// ErrMismatch reports a run whose backends produced different results.
	ErrMismatch = errors.New("results differ")
)

// panicError carries a value recovered from a panicking stage.
type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	switch v := p.value.(type) {
	case error:
		return v.Error()
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// describe is the text of a Failed line; an empty description becomes
// "unknown error".
func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}
