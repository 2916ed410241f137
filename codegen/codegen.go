// Package codegen defines the contracts between the engine and its native
// code collaborators. A Generator lowers one validated function body into a
// relocatable blob; an Invoker drives loaded entry points on behalf of the
// embedder. The engine owns everything between the two: layout, relocation,
// persistence, loading and linking.
package codegen

import (
	"context"

	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// Blob is the relocatable result of generating code for one function.
type Blob struct {
	// Code is the function's machine code. Call and data references that
	// cannot be encoded yet are left as placeholder sites described by
	// Relocs.
	Code []byte
	// ROData is an optional read-only area the code references through
	// RelocData entries. The engine places it in the same loaded region.
	ROData []byte
	// Relocs are the blob's unresolved references, offsets relative to Code.
	Relocs []types.Relocation
}

// Generator produces a Blob for one local function of a module. Index is the
// position in mod.Functions. Relocation indexes are interpreted per kind:
// RelocFunction uses the module-wide function space (imports first) and may
// only target locally defined functions, RelocImport counts function imports
// in declaration order, RelocLibcall holds a types.LibCall, and RelocData
// names the defined function owning the referenced read-only data.
//
// Generate is called from multiple goroutines for distinct functions of the
// same module and must be safe for that. It must be deterministic: equal
// (module, index, target) inputs produce equal blobs.
type Generator interface {
	Generate(ctx context.Context, mod *ir.Module, index ir.Index, target types.Target) (*Blob, error)
}

// Memory is the linear memory access an Invoker gets. Offsets and sizes are
// in bytes except where noted.
type Memory interface {
	// Size returns the current size in 64KiB pages.
	Size() uint32
	// Grow adds delta pages, returning the previous page count, or false if
	// the maximum would be exceeded.
	Grow(delta uint32) (uint32, bool)
	// Read returns a view of n bytes at offset, or false when out of bounds.
	Read(offset, n uint32) ([]byte, bool)
	// Write copies data at offset, or returns false when out of bounds.
	Write(offset uint32, data []byte) bool
}

// Table is the funcref table access an Invoker gets. References are opaque
// non-zero values; zero is the null reference.
type Table interface {
	Size() uint32
	Grow(delta uint32, init uint64) (uint32, bool)
	Get(i uint32) (uint64, bool)
	Set(i uint32, ref uint64) bool
}

// Environment is the instance state an Invoker may touch while executing.
// It is implemented by the engine's instances.
type Environment interface {
	// Code resolves an absolute address to the loaded region containing it,
	// returning the region's bytes and the address's offset within them.
	// Used to follow calls between functions of the same artifact and to
	// read relocated read-only data.
	Code(addr uintptr) (region []byte, offset int, ok bool)
	// Memory returns memory i, or nil if the instance has none.
	Memory(i uint32) Memory
	// Table returns table i, or nil.
	Table(i uint32) Table
	// Global reads global i as its bit pattern.
	Global(i uint32) (uint64, bool)
	// SetGlobal writes global i. False if out of range or immutable.
	SetGlobal(i uint32, v uint64) bool
	// HostCall dispatches an imported function. stub is the absolute
	// address a RelocImport site was patched with; the engine verifies it
	// against the import's trampoline before running the bound host
	// function. stack carries arguments in and results out.
	HostCall(ctx context.Context, stub uintptr, importIndex uint32, stack []uint64) error
	// Libcall dispatches a runtime routine the same way, against the
	// engine's libcall stub table.
	Libcall(ctx context.Context, stub uintptr, call types.LibCall, stack []uint64) error
}

// Invoker executes a loaded entry point under the engine's uniform calling
// convention: stack holds the arguments in order and receives the results
// starting at slot 0. trampoline is the host-to-wasm stub the engine
// selected for the entry's signature; a native driver enters through it, an
// interpreting driver may ignore it.
//
// A trap must surface as *types.TrapError.
type Invoker interface {
	Invoke(ctx context.Context, env Environment, trampoline, entry uintptr, stack []uint64) error
}
