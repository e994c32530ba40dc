package gpu

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies every failure the device layer can surface.
type ErrorKind int

const (
	// UnknownFailure is anything not covered by another kind.
	UnknownFailure ErrorKind = iota
	// AllocationFailure means no memory type satisfied the request, an
	// allocation failed, or a transfer exceeded a buffer's capacity.
	AllocationFailure
	// ShaderLoadFailure means the shader binary is missing or unreadable.
	ShaderLoadFailure
	// PipelineCreationFailure means the binary or descriptor layout was
	// rejected while building the pipeline.
	PipelineCreationFailure
	// RuntimeDeviceError means device creation, submission or a wait failed.
	RuntimeDeviceError
)

func (k ErrorKind) String() string {
	switch k {
	case AllocationFailure:
		return "allocation failure"
	case ShaderLoadFailure:
		return "shader load failure"
	case PipelineCreationFailure:
		return "pipeline creation failure"
	case RuntimeDeviceError:
		return "runtime device error"
	default:
		return "unknown failure"
	}
}

// Error lets a kind act as a sentinel for errors.Is.
func (k ErrorKind) Error() string { return "gpu: " + k.String() }

// Sentinels for errors.Is checks against any *Error.
var (
	ErrAllocation       error = AllocationFailure
	ErrShaderLoad       error = ShaderLoadFailure
	ErrPipelineCreation error = PipelineCreationFailure
	ErrRuntimeDevice    error = RuntimeDeviceError
	ErrUnknown          error = UnknownFailure
)

// Error is a classified failure from one device-layer operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.String())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.String(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// newError classifies err. An err that already carries a kind keeps it and
// only gains the op as context.
func newError(kind ErrorKind, op string, err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return errors.WithMessage(err, op)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind ErrorKind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind carried by err, or UnknownFailure.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return UnknownFailure
}
