// Package ir is the validated module representation the engine compiles. A
// module frontend (parser/validator) produces it; the engine consumes it and
// trusts its structure apart from the cross-table checks in Validate.
package ir

import (
	"fmt"

	"github.com/moltenwasm/molten/types"
)

// Index is an offset into one of a module's index spaces.
type Index = uint32

// ExternKind classifies an import or export.
type ExternKind byte

const (
	ExternKindFunc   ExternKind = 0
	ExternKindTable  ExternKind = 1
	ExternKindMemory ExternKind = 2
	ExternKindGlobal ExternKind = 3
)

func (k ExternKind) String() string {
	switch k {
	case ExternKindFunc:
		return "func"
	case ExternKindTable:
		return "table"
	case ExternKindMemory:
		return "memory"
	case ExternKindGlobal:
		return "global"
	}
	return fmt.Sprintf("extern(%d)", byte(k))
}

// Module is a validated WebAssembly module. Function index space is imports
// first, then local functions, as in the binary format.
type Module struct {
	// Name is optional and only used in logs.
	Name string

	Types     []types.FunctionSignature
	Imports   []Import
	Functions []Function
	Memories  []MemoryType
	Tables    []TableType
	Globals   []Global
	Exports   []Export
	Start     *Index
	Data      []DataSegment
	Elements  []ElementSegment
}

// Function is one local function: its type index and the validated body the
// code generator consumes. Body bytes are opaque to the engine.
type Function struct {
	Type Index
	Body []byte
}

// Import declares a dependency on a host-provided value. Exactly one Desc
// field is meaningful, selected by Kind.
type Import struct {
	Module string
	Name   string
	Kind   ExternKind

	DescFunc   Index
	DescMem    *MemoryType
	DescTable  *TableType
	DescGlobal *GlobalType
}

// Export names a function, table, memory or global for the embedder.
type Export struct {
	Name  string
	Kind  ExternKind
	Index Index
}

// MemoryType is the shape of a linear memory in 64KiB pages.
type MemoryType struct {
	Min uint32
	Max *uint32
}

// TableType is the shape of a funcref table.
type TableType struct {
	Min uint32
	Max *uint32
}

// GlobalType is a global's value kind and mutability.
type GlobalType struct {
	Kind    types.ValueKind
	Mutable bool
}

// Global is a module-defined global with its initializer.
type Global struct {
	Type GlobalType
	Init ConstExpr
}

// DataSegment initializes a slice of a memory at instantiation.
type DataSegment struct {
	MemoryIndex Index
	Offset      ConstExpr
	Init        []byte
}

// ElementSegment initializes a slice of a table with function references.
type ElementSegment struct {
	TableIndex Index
	Offset     ConstExpr
	Functions  []Index
}

// ImportedFunctionCount returns how many imports are functions. Local
// function i has module function index ImportedFunctionCount()+i.
func (m *Module) ImportedFunctionCount() uint32 {
	var n uint32
	for i := range m.Imports {
		if m.Imports[i].Kind == ExternKindFunc {
			n++
		}
	}
	return n
}

// importedFunctions returns the function imports in declaration order.
func (m *Module) importedFunctions() []*Import {
	var ret []*Import
	for i := range m.Imports {
		if m.Imports[i].Kind == ExternKindFunc {
			ret = append(ret, &m.Imports[i])
		}
	}
	return ret
}

// FunctionSignature resolves a module-space function index (imports first) to
// its signature.
func (m *Module) FunctionSignature(idx Index) (types.FunctionSignature, error) {
	imported := m.importedFunctions()
	if idx < uint32(len(imported)) {
		return m.signature(imported[idx].DescFunc)
	}
	local := idx - uint32(len(imported))
	if local >= uint32(len(m.Functions)) {
		return types.FunctionSignature{}, fmt.Errorf("function index %d out of range", idx)
	}
	return m.signature(m.Functions[local].Type)
}

func (m *Module) signature(typeIndex Index) (types.FunctionSignature, error) {
	if typeIndex >= uint32(len(m.Types)) {
		return types.FunctionSignature{}, fmt.Errorf("type index %d out of range", typeIndex)
	}
	return m.Types[typeIndex], nil
}

// Validate checks the cross-table invariants the engine relies on: type and
// extern indexes in range, unique export names, unique import pairs, a
// nullary start function, and initializer expressions that reference only
// imported globals. Bodies are assumed valid; that is the frontend's
// contract.
func (m *Module) Validate() error {
	for i, sig := range m.Types {
		if !sig.Valid() {
			return fmt.Errorf("type[%d]: invalid value kind", i)
		}
	}

	importedGlobals, importedMemories, importedTables := 0, 0, 0
	seenImports := map[string]struct{}{}
	for i := range m.Imports {
		imp := &m.Imports[i]
		key := imp.Module + "." + imp.Name
		if _, ok := seenImports[key]; ok {
			return fmt.Errorf("import[%s]: duplicate import", key)
		}
		seenImports[key] = struct{}{}
		switch imp.Kind {
		case ExternKindFunc:
			if imp.DescFunc >= uint32(len(m.Types)) {
				return fmt.Errorf("import[%s]: type index %d out of range", key, imp.DescFunc)
			}
		case ExternKindMemory:
			if imp.DescMem == nil {
				return fmt.Errorf("import[%s]: missing memory description", key)
			}
			importedMemories++
		case ExternKindTable:
			if imp.DescTable == nil {
				return fmt.Errorf("import[%s]: missing table description", key)
			}
			importedTables++
		case ExternKindGlobal:
			if imp.DescGlobal == nil {
				return fmt.Errorf("import[%s]: missing global description", key)
			}
			importedGlobals++
		default:
			return fmt.Errorf("import[%s]: unknown kind %d", key, imp.Kind)
		}
	}

	for i := range m.Functions {
		if m.Functions[i].Type >= uint32(len(m.Types)) {
			return fmt.Errorf("function[%d]: type index %d out of range", i, m.Functions[i].Type)
		}
	}

	// Index spaces are imports first, then definitions, for all four kinds.
	totalFuncs := m.ImportedFunctionCount() + uint32(len(m.Functions))
	totalGlobals := uint32(importedGlobals + len(m.Globals))
	totalMemories := uint32(importedMemories + len(m.Memories))
	totalTables := uint32(importedTables + len(m.Tables))

	seenExports := map[string]struct{}{}
	for i := range m.Exports {
		exp := &m.Exports[i]
		if _, ok := seenExports[exp.Name]; ok {
			return fmt.Errorf("export[%q]: duplicate export name", exp.Name)
		}
		seenExports[exp.Name] = struct{}{}
		var limit uint32
		switch exp.Kind {
		case ExternKindFunc:
			limit = totalFuncs
		case ExternKindMemory:
			limit = totalMemories
		case ExternKindTable:
			limit = totalTables
		case ExternKindGlobal:
			limit = totalGlobals
		default:
			return fmt.Errorf("export[%q]: unknown kind %d", exp.Name, exp.Kind)
		}
		if exp.Index >= limit {
			return fmt.Errorf("export[%q]: index %d out of range", exp.Name, exp.Index)
		}
	}

	for i := range m.Globals {
		if err := m.Globals[i].Init.validate(uint32(importedGlobals)); err != nil {
			return fmt.Errorf("global[%d]: %w", i, err)
		}
	}
	for i := range m.Data {
		seg := &m.Data[i]
		if seg.MemoryIndex >= totalMemories {
			return fmt.Errorf("data[%d]: memory index %d out of range", i, seg.MemoryIndex)
		}
		if err := seg.Offset.validate(uint32(importedGlobals)); err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
	}
	for i := range m.Elements {
		seg := &m.Elements[i]
		if seg.TableIndex >= totalTables {
			return fmt.Errorf("element[%d]: table index %d out of range", i, seg.TableIndex)
		}
		if err := seg.Offset.validate(uint32(importedGlobals)); err != nil {
			return fmt.Errorf("element[%d]: %w", i, err)
		}
		for _, f := range seg.Functions {
			if f >= totalFuncs {
				return fmt.Errorf("element[%d]: function index %d out of range", i, f)
			}
		}
	}

	if m.Start != nil {
		if *m.Start >= totalFuncs {
			return fmt.Errorf("start: function index %d out of range", *m.Start)
		}
		sig, err := m.FunctionSignature(*m.Start)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if len(sig.Params) != 0 || len(sig.Results) != 0 {
			return fmt.Errorf("start: function must have no parameters and no results, has %s", sig.Key())
		}
	}
	return nil
}
