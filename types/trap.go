package types

import "fmt"

// TrapCode classifies a trap raised by generated code or by a runtime
// routine on its behalf.
type TrapCode uint32

const (
	// TrapStackOverflow: the current stack space was exhausted.
	TrapStackOverflow TrapCode = 0
	// TrapHeapAccessOutOfBounds: a linear memory access was out of bounds.
	TrapHeapAccessOutOfBounds TrapCode = 1
	// TrapHeapMisaligned: a linear memory access was unaligned.
	TrapHeapMisaligned TrapCode = 2
	// TrapTableAccessOutOfBounds: a table access was out of bounds.
	TrapTableAccessOutOfBounds TrapCode = 3
	// TrapOutOfBounds: other bounds checking error.
	TrapOutOfBounds TrapCode = 4
	// TrapIndirectCallToNull: an indirect call hit a null table entry.
	TrapIndirectCallToNull TrapCode = 5
	// TrapBadSignature: an indirect call signature mismatched.
	TrapBadSignature TrapCode = 6
	// TrapIntegerOverflow: an integer arithmetic operation overflowed.
	TrapIntegerOverflow TrapCode = 7
	// TrapIntegerDivisionByZero: integer division by zero.
	TrapIntegerDivisionByZero TrapCode = 8
	// TrapBadConversionToInteger: a float could not be converted.
	TrapBadConversionToInteger TrapCode = 9
	// TrapUnreachableCodeReached: unreachable was executed.
	TrapUnreachableCodeReached TrapCode = 10
	// TrapUnalignedAtomic: an atomic access was unaligned.
	TrapUnalignedAtomic TrapCode = 11
)

// Message returns the trap's human readable description.
func (c TrapCode) Message() string {
	switch c {
	case TrapStackOverflow:
		return "call stack exhausted"
	case TrapHeapAccessOutOfBounds:
		return "out of bounds memory access"
	case TrapHeapMisaligned:
		return "misaligned heap access"
	case TrapTableAccessOutOfBounds:
		return "undefined element: out of bounds table access"
	case TrapOutOfBounds:
		return "out of bounds"
	case TrapIndirectCallToNull:
		return "uninitialized element"
	case TrapBadSignature:
		return "indirect call type mismatch"
	case TrapIntegerOverflow:
		return "integer overflow"
	case TrapIntegerDivisionByZero:
		return "integer divide by zero"
	case TrapBadConversionToInteger:
		return "invalid conversion to integer"
	case TrapUnreachableCodeReached:
		return "unreachable"
	case TrapUnalignedAtomic:
		return "unaligned atomic"
	}
	return "unknown trap"
}

// String returns the trap's short identifier, parseable by ParseTrapCode.
func (c TrapCode) String() string {
	switch c {
	case TrapStackOverflow:
		return "stk_ovf"
	case TrapHeapAccessOutOfBounds:
		return "heap_get_oob"
	case TrapHeapMisaligned:
		return "heap_misaligned"
	case TrapTableAccessOutOfBounds:
		return "table_get_oob"
	case TrapOutOfBounds:
		return "oob"
	case TrapIndirectCallToNull:
		return "icall_null"
	case TrapBadSignature:
		return "bad_sig"
	case TrapIntegerOverflow:
		return "int_ovf"
	case TrapIntegerDivisionByZero:
		return "int_divz"
	case TrapBadConversionToInteger:
		return "bad_toint"
	case TrapUnreachableCodeReached:
		return "unreachable"
	case TrapUnalignedAtomic:
		return "unalign_atom"
	}
	return fmt.Sprintf("trap(%d)", uint32(c))
}

// ParseTrapCode is the inverse of String.
func ParseTrapCode(s string) (TrapCode, error) {
	for c := TrapCode(0); c <= TrapUnalignedAtomic; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown trap code %q", s)
}

// TrapError is returned when executing code raises a trap.
type TrapError struct {
	Code TrapCode
}

func (e *TrapError) Error() string {
	return e.Code.Message()
}
