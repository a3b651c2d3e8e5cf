package obj

import "fmt"

// ExcKind identifies the exception class. Stop/close exceptions are ordinary
// exceptions that the generator protocol gives control-flow meaning.
type ExcKind uint8

const (
	// ExcInvalid represents the absence of an exception.
	ExcInvalid ExcKind = iota
	// ExcStopIteration signals end of a generator.
	ExcStopIteration
	// ExcStopAsyncIteration signals end of an async generator.
	ExcStopAsyncIteration
	// ExcGeneratorExit drives generator close semantics.
	ExcGeneratorExit
	// ExcCancelled is raised into a task whose token was cancelled.
	ExcCancelled
	// ExcRuntimeError reports a protocol violation.
	ExcRuntimeError
	// ExcTypeError reports a kind mismatch at the ABI boundary.
	ExcTypeError
	// ExcValueError reports a malformed argument.
	ExcValueError
)

// String returns the exception class name.
func (k ExcKind) String() string {
	switch k {
	case ExcStopIteration:
		return "StopIteration"
	case ExcStopAsyncIteration:
		return "StopAsyncIteration"
	case ExcGeneratorExit:
		return "GeneratorExit"
	case ExcCancelled:
		return "CancelledError"
	case ExcRuntimeError:
		return "RuntimeError"
	case ExcTypeError:
		return "TypeError"
	case ExcValueError:
		return "ValueError"
	default:
		return fmt.Sprintf("ExcKind(%d)", k)
	}
}

// Exception is a runtime exception object. It travels through the pending
// side channel on Proc, never through ordinary poll return values.
type Exception struct {
	Kind ExcKind
	Msg  string
	Args []Value
}

// Error implements the error interface so embedder APIs can surface
// exceptions as plain Go errors.
func (e *Exception) Error() string {
	if e == nil {
		return "<nil exception>"
	}
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is reports whether the exception has the given kind. Safe on nil.
func (e *Exception) Is(kind ExcKind) bool {
	return e != nil && e.Kind == kind
}

// NewStopIteration builds a StopIteration carrying the generator's
// return value.
func NewStopIteration(v Value) *Exception {
	if v.IsNothing() {
		return &Exception{Kind: ExcStopIteration}
	}
	return &Exception{Kind: ExcStopIteration, Args: []Value{v}}
}

// NewStopAsyncIteration builds a StopAsyncIteration.
func NewStopAsyncIteration() *Exception {
	return &Exception{Kind: ExcStopAsyncIteration}
}

// NewGeneratorExit builds a GeneratorExit.
func NewGeneratorExit() *Exception {
	return &Exception{Kind: ExcGeneratorExit}
}

// NewCancelled builds a CancelledError carrying optional caller-supplied
// cancel-message arguments.
func NewCancelled(args ...Value) *Exception {
	return &Exception{Kind: ExcCancelled, Args: args}
}

// NewRuntimeError builds a RuntimeError with a formatted message.
func NewRuntimeError(format string, args ...any) *Exception {
	return &Exception{Kind: ExcRuntimeError, Msg: fmt.Sprintf(format, args...)}
}

// NewTypeError builds a TypeError with a formatted message.
func NewTypeError(format string, args ...any) *Exception {
	return &Exception{Kind: ExcTypeError, Msg: fmt.Sprintf(format, args...)}
}

// NewValueError builds a ValueError with a formatted message.
func NewValueError(format string, args ...any) *Exception {
	return &Exception{Kind: ExcValueError, Msg: fmt.Sprintf(format, args...)}
}
