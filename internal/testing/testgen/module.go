package testgen

import (
	"fmt"

	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// ModuleBuilder assembles an ir.Module for tests. Imports must be declared
// before functions so returned function indexes are stable; violating that
// panics.
type ModuleBuilder struct {
	m       ir.Module
	typeIdx map[string]ir.Index
	sawFunc bool
}

// Module starts a builder for a named module.
func Module(name string) *ModuleBuilder {
	return &ModuleBuilder{m: ir.Module{Name: name}, typeIdx: map[string]ir.Index{}}
}

// Max is limit sugar for Memory, Table and the import declarations.
func Max(v uint32) *uint32 { return &v }

// Type interns sig and returns its type index.
func (mb *ModuleBuilder) Type(sig types.FunctionSignature) ir.Index {
	if i, ok := mb.typeIdx[sig.Key()]; ok {
		return i
	}
	i := ir.Index(len(mb.m.Types))
	mb.m.Types = append(mb.m.Types, sig)
	mb.typeIdx[sig.Key()] = i
	return i
}

// ImportFunc declares a function import and returns its module-space function
// index, which equals its import ordinal.
func (mb *ModuleBuilder) ImportFunc(module, name string, sig types.FunctionSignature) ir.Index {
	if mb.sawFunc {
		panic(fmt.Errorf("import %s.%s declared after a function", module, name))
	}
	idx := mb.m.ImportedFunctionCount()
	mb.m.Imports = append(mb.m.Imports, ir.Import{
		Module: module, Name: name, Kind: ir.ExternKindFunc, DescFunc: mb.Type(sig),
	})
	return idx
}

// ImportMemory declares a memory import.
func (mb *ModuleBuilder) ImportMemory(module, name string, min uint32, max *uint32) *ModuleBuilder {
	mb.m.Imports = append(mb.m.Imports, ir.Import{
		Module: module, Name: name, Kind: ir.ExternKindMemory,
		DescMem: &ir.MemoryType{Min: min, Max: max},
	})
	return mb
}

// ImportTable declares a table import.
func (mb *ModuleBuilder) ImportTable(module, name string, min uint32, max *uint32) *ModuleBuilder {
	mb.m.Imports = append(mb.m.Imports, ir.Import{
		Module: module, Name: name, Kind: ir.ExternKindTable,
		DescTable: &ir.TableType{Min: min, Max: max},
	})
	return mb
}

// ImportGlobal declares a global import.
func (mb *ModuleBuilder) ImportGlobal(module, name string, kind types.ValueKind, mutable bool) *ModuleBuilder {
	mb.m.Imports = append(mb.m.Imports, ir.Import{
		Module: module, Name: name, Kind: ir.ExternKindGlobal,
		DescGlobal: &ir.GlobalType{Kind: kind, Mutable: mutable},
	})
	return mb
}

// Func adds a local function and returns its module-space function index.
func (mb *ModuleBuilder) Func(sig types.FunctionSignature, body *BodyBuilder) ir.Index {
	mb.sawFunc = true
	idx := mb.m.ImportedFunctionCount() + uint32(len(mb.m.Functions))
	mb.m.Functions = append(mb.m.Functions, ir.Function{Type: mb.Type(sig), Body: body.Build()})
	return idx
}

// Export names an index for the embedder.
func (mb *ModuleBuilder) Export(name string, kind ir.ExternKind, idx ir.Index) *ModuleBuilder {
	mb.m.Exports = append(mb.m.Exports, ir.Export{Name: name, Kind: kind, Index: idx})
	return mb
}

// ExportFunc is Export sugar for functions.
func (mb *ModuleBuilder) ExportFunc(name string, idx ir.Index) *ModuleBuilder {
	return mb.Export(name, ir.ExternKindFunc, idx)
}

// Memory adds a defined memory.
func (mb *ModuleBuilder) Memory(min uint32, max *uint32) *ModuleBuilder {
	mb.m.Memories = append(mb.m.Memories, ir.MemoryType{Min: min, Max: max})
	return mb
}

// Table adds a defined table.
func (mb *ModuleBuilder) Table(min uint32, max *uint32) *ModuleBuilder {
	mb.m.Tables = append(mb.m.Tables, ir.TableType{Min: min, Max: max})
	return mb
}

// Global adds a defined global and returns its module-space global index.
func (mb *ModuleBuilder) Global(kind types.ValueKind, mutable bool, init ir.ConstExpr) ir.Index {
	var imported uint32
	for i := range mb.m.Imports {
		if mb.m.Imports[i].Kind == ir.ExternKindGlobal {
			imported++
		}
	}
	idx := imported + uint32(len(mb.m.Globals))
	mb.m.Globals = append(mb.m.Globals, ir.Global{
		Type: ir.GlobalType{Kind: kind, Mutable: mutable}, Init: init,
	})
	return idx
}

// Start marks the start function.
func (mb *ModuleBuilder) Start(idx ir.Index) *ModuleBuilder {
	i := idx
	mb.m.Start = &i
	return mb
}

// Data adds a data segment.
func (mb *ModuleBuilder) Data(mem ir.Index, offset ir.ConstExpr, init []byte) *ModuleBuilder {
	mb.m.Data = append(mb.m.Data, ir.DataSegment{MemoryIndex: mem, Offset: offset, Init: init})
	return mb
}

// Elem adds an element segment.
func (mb *ModuleBuilder) Elem(table ir.Index, offset ir.ConstExpr, funcs ...ir.Index) *ModuleBuilder {
	mb.m.Elements = append(mb.m.Elements, ir.ElementSegment{TableIndex: table, Offset: offset, Functions: funcs})
	return mb
}

// Build returns the assembled module.
func (mb *ModuleBuilder) Build() *ir.Module {
	m := mb.m
	return &m
}
