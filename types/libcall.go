package types

import "fmt"

// LibCall names a runtime-provided routine callable from generated code.
// Each libcall has a fixed signature; the engine generates one wasm-to-host
// stub per libcall at startup and call sites relocate against those stubs.
type LibCall uint32

const (
	LibCallMemoryGrow LibCall = 0
	LibCallMemorySize LibCall = 1
	LibCallTableGrow  LibCall = 2
	LibCallTableSize  LibCall = 3
	LibCallRefFunc    LibCall = 4
	LibCallRaiseTrap  LibCall = 5

	// NumLibCalls is the size of the engine's libcall stub table.
	NumLibCalls = 6
)

func (l LibCall) String() string {
	switch l {
	case LibCallMemoryGrow:
		return "memory.grow"
	case LibCallMemorySize:
		return "memory.size"
	case LibCallTableGrow:
		return "table.grow"
	case LibCallTableSize:
		return "table.size"
	case LibCallRefFunc:
		return "ref.func"
	case LibCallRaiseTrap:
		return "raise.trap"
	}
	return fmt.Sprintf("libcall(%d)", uint32(l))
}

// Valid returns true for a defined libcall.
func (l LibCall) Valid() bool { return l < NumLibCalls }

// Signature returns the libcall's fixed signature.
func (l LibCall) Signature() FunctionSignature {
	switch l {
	case LibCallMemoryGrow:
		return Sig([]ValueKind{ValueKindI32}, []ValueKind{ValueKindI32})
	case LibCallMemorySize:
		return Sig(nil, []ValueKind{ValueKindI32})
	case LibCallTableGrow:
		return Sig([]ValueKind{ValueKindI32}, []ValueKind{ValueKindI32})
	case LibCallTableSize:
		return Sig(nil, []ValueKind{ValueKindI32})
	case LibCallRefFunc:
		return Sig([]ValueKind{ValueKindI32}, []ValueKind{ValueKindRef})
	case LibCallRaiseTrap:
		return Sig([]ValueKind{ValueKindI32}, nil)
	}
	return FunctionSignature{}
}
