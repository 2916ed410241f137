// Package artifact defines the compiled form of a module: the native code
// region plus every table needed to load, link and instantiate it without
// consulting the original module. Artifacts are pure data, the executable
// state layered on top at load time lives with the engine.
package artifact

import (
	"fmt"

	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// Function describes one compiled function in the region. Offsets are
// region-relative, relocation offsets are relative to the function's code
// start.
type Function struct {
	// Signature indexes the artifact's deduplicated signature table.
	Signature uint32
	// Offset and CodeLen bound the function's machine code in the region.
	Offset  uint64
	CodeLen uint64
	// RODataOffset and RODataLen bound the function's constant pool, zero
	// length when it has none.
	RODataOffset uint64
	RODataLen    uint64
	// Relocs are the relocations left pending at compile time, applied when
	// the region is placed in memory. Function-internal references have
	// already been resolved and do not appear here.
	Relocs []types.Relocation
}

// Import is one declared import. For function imports Signature indexes the
// artifact signature table, the other kinds carry their descriptor inline.
type Import struct {
	Module string
	Name   string
	Kind   ir.ExternKind

	Signature uint32
	Memory    *ir.MemoryType
	Table     *ir.TableType
	Global    *ir.GlobalType
}

// Export is one exported definition, Index in the module's combined index
// space where imports precede definitions.
type Export struct {
	Name  string
	Kind  ir.ExternKind
	Index uint32
}

// Artifact is a module compiled for exactly one target. Everything an engine
// needs to link and instantiate is self-contained: the signature table, the
// compiled function table, the declarative sections and the code region.
type Artifact struct {
	Target   types.Target
	ModuleID types.ModuleID

	// Signatures is the structurally deduplicated signature table. Every
	// signature reference in the artifact indexes it.
	Signatures []types.FunctionSignature
	// Functions are the locally defined functions in definition order.
	Functions []Function
	Imports   []Import
	Exports   []Export

	Memories []ir.MemoryType
	Tables   []ir.TableType
	Globals  []ir.Global
	Data     []ir.DataSegment
	Elements []ir.ElementSegment
	Start    *ir.Index

	// Region is the code image: every function's code followed by the
	// read-only data, 16-byte aligned per function.
	Region []byte
}

// ImportedFunctionCount returns how many imports are functions.
func (a *Artifact) ImportedFunctionCount() uint32 {
	return a.ImportedCount(ir.ExternKindFunc)
}

// ImportedCount returns how many imports have the given kind. Imports occupy
// the leading indexes of their kind's index space.
func (a *Artifact) ImportedCount(kind ir.ExternKind) uint32 {
	var n uint32
	for i := range a.Imports {
		if a.Imports[i].Kind == kind {
			n++
		}
	}
	return n
}

// FunctionSignature resolves a combined-index-space function index to its
// signature, imports first.
func (a *Artifact) FunctionSignature(index uint32) (types.FunctionSignature, bool) {
	var seen uint32
	for i := range a.Imports {
		if a.Imports[i].Kind != ir.ExternKindFunc {
			continue
		}
		if seen == index {
			return a.Signatures[a.Imports[i].Signature], true
		}
		seen++
	}
	local := index - seen
	if int(local) >= len(a.Functions) {
		return types.FunctionSignature{}, false
	}
	return a.Signatures[a.Functions[local].Signature], true
}

// ExportedFunction returns the defined-function table index for an exported
// function name. Exports of imported functions resolve to false, they have
// no code in the region.
func (a *Artifact) ExportedFunction(name string) (uint32, bool) {
	imported := a.ImportedFunctionCount()
	for i := range a.Exports {
		e := &a.Exports[i]
		if e.Name != name || e.Kind != ir.ExternKindFunc {
			continue
		}
		if e.Index < imported {
			return 0, false
		}
		return e.Index - imported, true
	}
	return 0, false
}

// Validate checks the artifact's internal consistency: every index stays in
// range and every function's code and data lie inside the region. A
// deserialized artifact must pass before it is trusted.
func (a *Artifact) Validate() error {
	if a.Target.Zero() {
		return fmt.Errorf("artifact has no target")
	}
	for i, sig := range a.Signatures {
		if !sig.Valid() {
			return fmt.Errorf("signature[%d]: invalid value kind", i)
		}
	}
	region := uint64(len(a.Region))
	for i := range a.Functions {
		f := &a.Functions[i]
		if int(f.Signature) >= len(a.Signatures) {
			return fmt.Errorf("function[%d]: signature index %d out of range", i, f.Signature)
		}
		if f.Offset+f.CodeLen < f.Offset || f.Offset+f.CodeLen > region {
			return fmt.Errorf("function[%d]: code [%#x, %#x) outside region of %#x bytes", i, f.Offset, f.Offset+f.CodeLen, region)
		}
		if f.RODataLen > 0 && (f.RODataOffset+f.RODataLen < f.RODataOffset || f.RODataOffset+f.RODataLen > region) {
			return fmt.Errorf("function[%d]: read-only data outside region", i)
		}
		for j, rel := range f.Relocs {
			if err := a.validateRelocation(f, rel); err != nil {
				return fmt.Errorf("function[%d] relocation[%d]: %w", i, j, err)
			}
		}
	}
	importedFuncs := a.ImportedFunctionCount()
	for i := range a.Imports {
		imp := &a.Imports[i]
		switch imp.Kind {
		case ir.ExternKindFunc:
			if int(imp.Signature) >= len(a.Signatures) {
				return fmt.Errorf("import[%s.%s]: signature index %d out of range", imp.Module, imp.Name, imp.Signature)
			}
		case ir.ExternKindMemory:
			if imp.Memory == nil {
				return fmt.Errorf("import[%s.%s]: missing memory descriptor", imp.Module, imp.Name)
			}
		case ir.ExternKindTable:
			if imp.Table == nil {
				return fmt.Errorf("import[%s.%s]: missing table descriptor", imp.Module, imp.Name)
			}
		case ir.ExternKindGlobal:
			if imp.Global == nil {
				return fmt.Errorf("import[%s.%s]: missing global descriptor", imp.Module, imp.Name)
			}
		default:
			return fmt.Errorf("import[%s.%s]: unknown kind %d", imp.Module, imp.Name, imp.Kind)
		}
	}
	// Index spaces are imports first, then definitions, for all four kinds.
	funcSpace := importedFuncs + uint32(len(a.Functions))
	memorySpace := a.ImportedCount(ir.ExternKindMemory) + uint32(len(a.Memories))
	tableSpace := a.ImportedCount(ir.ExternKindTable) + uint32(len(a.Tables))
	globalSpace := a.ImportedCount(ir.ExternKindGlobal) + uint32(len(a.Globals))
	for i := range a.Exports {
		e := &a.Exports[i]
		switch e.Kind {
		case ir.ExternKindFunc:
			if e.Index >= funcSpace {
				return fmt.Errorf("export[%q]: function index %d out of range", e.Name, e.Index)
			}
		case ir.ExternKindMemory:
			if e.Index >= memorySpace {
				return fmt.Errorf("export[%q]: memory index %d out of range", e.Name, e.Index)
			}
		case ir.ExternKindTable:
			if e.Index >= tableSpace {
				return fmt.Errorf("export[%q]: table index %d out of range", e.Name, e.Index)
			}
		case ir.ExternKindGlobal:
			if e.Index >= globalSpace {
				return fmt.Errorf("export[%q]: global index %d out of range", e.Name, e.Index)
			}
		default:
			return fmt.Errorf("export[%q]: unknown kind %d", e.Name, e.Kind)
		}
	}
	if a.Start != nil {
		if *a.Start >= ir.Index(funcSpace) {
			return fmt.Errorf("start: function index %d out of range", *a.Start)
		}
		if sig, ok := a.FunctionSignature(uint32(*a.Start)); !ok || len(sig.Params) != 0 || len(sig.Results) != 0 {
			return fmt.Errorf("start: function must have no parameters and no results, has %s", sig)
		}
	}
	for i := range a.Data {
		if a.Data[i].MemoryIndex >= memorySpace {
			return fmt.Errorf("data[%d]: memory index %d out of range", i, a.Data[i].MemoryIndex)
		}
	}
	for i := range a.Elements {
		seg := &a.Elements[i]
		if seg.TableIndex >= tableSpace {
			return fmt.Errorf("element[%d]: table index %d out of range", i, seg.TableIndex)
		}
		for _, fn := range seg.Functions {
			if uint32(fn) >= funcSpace {
				return fmt.Errorf("element[%d]: function index %d out of range", i, fn)
			}
		}
	}
	return nil
}

func (a *Artifact) validateRelocation(f *Function, rel types.Relocation) error {
	// An absolute slot is 8 bytes, it must fit inside the function's code.
	if uint64(rel.Offset)+8 > f.CodeLen {
		return fmt.Errorf("patch site %#x outside code of %#x bytes", rel.Offset, f.CodeLen)
	}
	switch rel.Kind {
	case types.RelocImport:
		if rel.Index >= a.ImportedFunctionCount() {
			return fmt.Errorf("import index %d out of range", rel.Index)
		}
	case types.RelocLibcall:
		if !types.LibCall(rel.Index).Valid() {
			return fmt.Errorf("unknown libcall %d", rel.Index)
		}
	case types.RelocData:
		if int(rel.Index) >= len(a.Functions) {
			return fmt.Errorf("data owner %d out of range", rel.Index)
		}
		owner := &a.Functions[rel.Index]
		if rel.Addend < 0 || uint64(rel.Addend) >= owner.RODataLen {
			return fmt.Errorf("addend %d outside read-only data of %d bytes", rel.Addend, owner.RODataLen)
		}
	case types.RelocFunction:
		return fmt.Errorf("function relocation left unresolved")
	default:
		return fmt.Errorf("unknown relocation kind %d", rel.Kind)
	}
	return nil
}
