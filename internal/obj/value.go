// Package obj implements the narrow object-model surface the Vesper
// scheduling core depends on: tagged values, a refcounted heap, exception
// objects, and the per-thread execution context the core swaps around every
// poll call. The full interpreter object model lives outside this repo.
package obj

import "fmt"

// ValueKind identifies the runtime type of a Value.
type ValueKind uint8

const (
	// VKInvalid represents an invalid value.
	VKInvalid ValueKind = iota
	// VKNothing represents the none/unit value.
	VKNothing
	// VKInt represents a signed integer value.
	VKInt
	// VKBool represents a boolean value.
	VKBool
	// VKString represents an immutable string value.
	VKString
	// VKHandle represents a heap object handle.
	VKHandle
)

// String returns a human-readable name for the value kind.
func (k ValueKind) String() string {
	switch k {
	case VKInvalid:
		return "invalid"
	case VKNothing:
		return "nothing"
	case VKInt:
		return "int"
	case VKBool:
		return "bool"
	case VKString:
		return "string"
	case VKHandle:
		return "handle"
	default:
		return fmt.Sprintf("ValueKind(%d)", k)
	}
}

// Value represents a runtime value handed across the poll ABI.
type Value struct {
	Kind ValueKind
	Int  int64  // for VKInt
	Bool bool   // for VKBool
	Str  string // for VKString
	H    Handle // for VKHandle
}

// Nothing returns the none/unit value.
func Nothing() Value {
	return Value{Kind: VKNothing}
}

// MakeInt builds an integer value.
func MakeInt(n int64) Value {
	return Value{Kind: VKInt, Int: n}
}

// MakeBool builds a boolean value.
func MakeBool(b bool) Value {
	return Value{Kind: VKBool, Bool: b}
}

// MakeString builds a string value.
func MakeString(s string) Value {
	return Value{Kind: VKString, Str: s}
}

// MakeHandle builds a heap handle value.
func MakeHandle(h Handle) Value {
	return Value{Kind: VKHandle, H: h}
}

// IsNothing reports whether the value is the none/unit value.
func (v Value) IsNothing() bool {
	return v.Kind == VKNothing
}

// IsHeap reports whether the value owns a heap reference.
func (v Value) IsHeap() bool {
	return v.Kind == VKHandle
}

// String returns a short debug form of the value.
func (v Value) String() string {
	switch v.Kind {
	case VKNothing:
		return "nothing"
	case VKInt:
		return fmt.Sprintf("%d", v.Int)
	case VKBool:
		return fmt.Sprintf("%t", v.Bool)
	case VKString:
		return fmt.Sprintf("%q", v.Str)
	case VKHandle:
		return fmt.Sprintf("handle(%d)", v.H)
	default:
		return "invalid"
	}
}
