// Package types holds the value, signature, target and error types shared by
// every layer of the engine: the compiler, the trampoline generator, the
// artifact container and the public API.
package types

import "fmt"

// ValueKind classifies a single WebAssembly value. The byte values match the
// WebAssembly 1.0 binary encodings so signatures hash and serialize stably.
type ValueKind byte

const (
	ValueKindI32 ValueKind = 0x7f
	ValueKindI64 ValueKind = 0x7e
	ValueKindF32 ValueKind = 0x7d
	ValueKindF64 ValueKind = 0x7c
	// ValueKindRef is an opaque reference, passed as a pointer-sized integer.
	ValueKindRef ValueKind = 0x70
)

// Valid returns true if k is one of the supported value kinds.
func (k ValueKind) Valid() bool {
	switch k {
	case ValueKindI32, ValueKindI64, ValueKindF32, ValueKindF64, ValueKindRef:
		return true
	}
	return false
}

// IsFloat returns true for kinds routed through floating-point registers by
// the native calling conventions.
func (k ValueKind) IsFloat() bool {
	return k == ValueKindF32 || k == ValueKindF64
}

func (k ValueKind) String() string {
	switch k {
	case ValueKindI32:
		return "i32"
	case ValueKindI64:
		return "i64"
	case ValueKindF32:
		return "f32"
	case ValueKindF64:
		return "f64"
	case ValueKindRef:
		return "ref"
	}
	return fmt.Sprintf("unknown(0x%x)", byte(k))
}
