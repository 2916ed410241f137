package types

import "fmt"

// RelocationKind says what symbol a relocation site refers to.
type RelocationKind byte

const (
	// RelocFunction targets another function of the same module. Resolved by
	// the compiler to a rel32 displacement once the code region layout is
	// fixed; never present in a stored artifact's pending list.
	RelocFunction RelocationKind = 0
	// RelocImport targets the wasm-to-host trampoline for an imported
	// function's signature. The stub address is only known at load time.
	RelocImport RelocationKind = 1
	// RelocLibcall targets the engine's stub for a LibCall.
	RelocLibcall RelocationKind = 2
	// RelocData targets a function's read-only data area within the region.
	RelocData RelocationKind = 3
)

func (k RelocationKind) String() string {
	switch k {
	case RelocFunction:
		return "function"
	case RelocImport:
		return "import"
	case RelocLibcall:
		return "libcall"
	case RelocData:
		return "data"
	}
	return fmt.Sprintf("reloc(%d)", byte(k))
}

// Relocation is a deferred address reference inside one function's code blob.
// Offset is relative to the blob start. Index names the target within the
// kind's namespace: a function index, an import index, a LibCall, or the
// function whose read-only data is referenced.
type Relocation struct {
	Offset uint32
	Kind   RelocationKind
	Index  uint32
	Addend int64
}

func (r Relocation) String() string {
	return fmt.Sprintf("%s[%d]+%d@%#x", r.Kind, r.Index, r.Addend, r.Offset)
}
