package molten

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/moltenwasm/molten/codegen"
	"github.com/moltenwasm/molten/internal/artifact"
	"github.com/moltenwasm/molten/internal/loader"
	"github.com/moltenwasm/molten/internal/trampoline"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

const (
	// MemoryPageSize is the size of a linear memory page, 64KiB.
	MemoryPageSize = uint32(65536)
	// MemoryMaxPages is the hard ceiling on any memory's page count. At 64KiB
	// per page this is the full 4GiB address space of a 32-bit memory.
	MemoryMaxPages = uint32(65536)
	// maximumTableSize bounds table size and growth.
	maximumTableSize = uint32(1 << 27)
)

// HostFunction implements an imported function in Go. Params arrive in
// declaration order as raw bit patterns (see types.ValueKind for the
// interpretation); results are returned the same way and their count must
// match the import's signature. mod is the calling instance, giving the host
// access to its exported memory. A returned error aborts the execution that
// made the call.
type HostFunction func(ctx context.Context, mod *Instance, params []uint64) ([]uint64, error)

type importKey struct {
	module, name string
}

type hostFunc struct {
	sig types.FunctionSignature
	fn  HostFunction
}

// Imports collects the host values an instantiation links against, keyed by
// module and name. Create one with NewImports; the Add methods mutate the
// receiver and return it for chaining. A nil *Imports links like an empty
// one.
type Imports struct {
	functions map[importKey]hostFunc
	memories  map[importKey]*Memory
	tables    map[importKey]*Table
	globals   map[importKey]*Global
}

// NewImports returns an empty import set.
func NewImports() *Imports {
	return &Imports{
		functions: map[importKey]hostFunc{},
		memories:  map[importKey]*Memory{},
		tables:    map[importKey]*Table{},
		globals:   map[importKey]*Global{},
	}
}

// AddFunc registers fn under module.name with the given signature. Adding
// the same name twice overwrites the earlier entry.
func (im *Imports) AddFunc(module, name string, sig types.FunctionSignature, fn HostFunction) *Imports {
	im.functions[importKey{module, name}] = hostFunc{sig: sig, fn: fn}
	return im
}

// AddMemory registers mem under module.name.
func (im *Imports) AddMemory(module, name string, mem *Memory) *Imports {
	im.memories[importKey{module, name}] = mem
	return im
}

// AddTable registers table under module.name.
func (im *Imports) AddTable(module, name string, table *Table) *Imports {
	im.tables[importKey{module, name}] = table
	return im
}

// AddGlobal registers global under module.name.
func (im *Imports) AddGlobal(module, name string, global *Global) *Imports {
	im.globals[importKey{module, name}] = global
	return im
}

func (im *Imports) lookupFunc(module, name string) (hostFunc, bool) {
	if im == nil {
		return hostFunc{}, false
	}
	f, ok := im.functions[importKey{module, name}]
	return f, ok
}

func (im *Imports) lookupMemory(module, name string) (*Memory, bool) {
	if im == nil {
		return nil, false
	}
	m, ok := im.memories[importKey{module, name}]
	return m, ok
}

func (im *Imports) lookupTable(module, name string) (*Table, bool) {
	if im == nil {
		return nil, false
	}
	t, ok := im.tables[importKey{module, name}]
	return t, ok
}

func (im *Imports) lookupGlobal(module, name string) (*Global, bool) {
	if im == nil {
		return nil, false
	}
	g, ok := im.globals[importKey{module, name}]
	return g, ok
}

// Memory is a linear memory instance. Create one with NewMemory to satisfy a
// memory import, or reach a module's own through Instance.ExportedMemory.
// Size and Grow count 64KiB pages, Read and Write take byte offsets.
type Memory struct {
	mu   sync.Mutex
	data []byte
	// min and max are the declared shape, checked when the memory satisfies
	// an import. max nil means only the MemoryMaxPages ceiling applies.
	min uint32
	max *uint32
}

// NewMemory allocates a memory of min pages, growable to max pages. A nil
// max leaves growth bounded only by the MemoryMaxPages ceiling.
func NewMemory(min uint32, max *uint32) (*Memory, error) {
	if min > MemoryMaxPages {
		return nil, fmt.Errorf("memory minimum %d pages exceeds the %d page limit", min, MemoryMaxPages)
	}
	if max != nil {
		if *max > MemoryMaxPages {
			return nil, fmt.Errorf("memory maximum %d pages exceeds the %d page limit", *max, MemoryMaxPages)
		}
		if min > *max {
			return nil, fmt.Errorf("memory minimum %d pages exceeds maximum %d", min, *max)
		}
	}
	return &Memory{
		data: make([]byte, uint64(min)*uint64(MemoryPageSize)),
		min:  min,
		max:  max,
	}, nil
}

func (m *Memory) limit() uint32 {
	if m.max != nil {
		return *m.max
	}
	return MemoryMaxPages
}

// Size returns the current size in 64KiB pages.
func (m *Memory) Size() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(uint64(len(m.data)) / uint64(MemoryPageSize))
}

// Grow adds delta pages and returns the previous page count, or false when
// the maximum would be exceeded.
func (m *Memory) Grow(delta uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := uint32(uint64(len(m.data)) / uint64(MemoryPageSize))
	if delta == 0 {
		return current, true
	}
	next := uint64(current) + uint64(delta)
	if next > uint64(m.limit()) {
		return 0, false
	}
	grown := make([]byte, next*uint64(MemoryPageSize))
	copy(grown, m.data)
	m.data = grown
	return current, true
}

// Read returns a view of n bytes at offset, or false when the range is out
// of bounds. The view aliases the memory until its next Grow.
func (m *Memory) Read(offset, n uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := uint64(offset) + uint64(n)
	if end > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[offset:end:end], true
}

// Write copies data at offset, or returns false when the range is out of
// bounds.
func (m *Memory) Write(offset uint32, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(offset)+uint64(len(data)) > uint64(len(m.data)) {
		return false
	}
	copy(m.data[offset:], data)
	return true
}

func (m *Memory) byteLen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.data))
}

// init copies data at offset without bounds checking, which is the caller's
// job. Only segment application uses it.
func (m *Memory) init(offset uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[offset:], data)
}

// Table is a funcref table instance. Entries are opaque function references
// produced by the engine; zero is the null reference.
type Table struct {
	mu   sync.Mutex
	refs []uint64
	min  uint32
	max  *uint32
}

// NewTable allocates a table of min null entries, growable to max.
func NewTable(min uint32, max *uint32) (*Table, error) {
	if min > maximumTableSize {
		return nil, fmt.Errorf("table minimum %d exceeds the %d entry limit", min, maximumTableSize)
	}
	if max != nil {
		if *max > maximumTableSize {
			return nil, fmt.Errorf("table maximum %d exceeds the %d entry limit", *max, maximumTableSize)
		}
		if min > *max {
			return nil, fmt.Errorf("table minimum %d exceeds maximum %d", min, *max)
		}
	}
	return &Table{refs: make([]uint64, min), min: min, max: max}, nil
}

func (t *Table) limit() uint32 {
	if t.max != nil {
		return *t.max
	}
	return maximumTableSize
}

// Size returns the current entry count.
func (t *Table) Size() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.refs))
}

// Grow adds delta entries holding init and returns the previous size, or
// false when the maximum would be exceeded.
func (t *Table) Grow(delta uint32, init uint64) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := uint32(len(t.refs))
	if delta == 0 {
		return current, true
	}
	next := uint64(current) + uint64(delta)
	if next > uint64(t.limit()) {
		return 0, false
	}
	grown := make([]uint64, next)
	copy(grown, t.refs)
	for i := uint64(current); i < next; i++ {
		grown[i] = init
	}
	t.refs = grown
	return current, true
}

// Get returns entry i, or false when out of bounds.
func (t *Table) Get(i uint32) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(i) >= len(t.refs) {
		return 0, false
	}
	return t.refs[i], true
}

// Set writes entry i, or returns false when out of bounds.
func (t *Table) Set(i uint32, ref uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(i) >= len(t.refs) {
		return false
	}
	t.refs[i] = ref
	return true
}

// init writes refs at offset without bounds checking, which is the caller's
// job. Only segment application uses it.
func (t *Table) init(offset uint32, refs []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.refs[offset:], refs)
}

// Global is a single global value. Create one with NewGlobal to satisfy a
// global import, or reach a module's own through Instance.ExportedGlobal.
// The bit pattern interpretation follows Kind.
type Global struct {
	kind    types.ValueKind
	mutable bool

	mu    sync.Mutex
	value uint64
}

// NewGlobal builds a global holding value.
func NewGlobal(kind types.ValueKind, mutable bool, value uint64) (*Global, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown value kind %d", kind)
	}
	return &Global{kind: kind, mutable: mutable, value: value}, nil
}

// Kind returns the global's value kind.
func (g *Global) Kind() types.ValueKind { return g.kind }

// Mutable returns whether Set is allowed.
func (g *Global) Mutable() bool { return g.mutable }

// Get returns the current value's bit pattern.
func (g *Global) Get() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Set writes a new value, or returns false for an immutable global.
func (g *Global) Set(v uint64) bool {
	if !g.mutable {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
	return true
}

// boundFunc is a function import resolved at link time: the host
// implementation plus the wasm-to-host stub whose address call sites were
// patched with.
type boundFunc struct {
	stub *trampoline.Stub
	sig  types.FunctionSignature
	fn   HostFunction
}

// Instance is one running instantiation of an artifact: its linked imports,
// its own memories, tables and globals, and a reference to the loaded code
// region. Instances of one artifact share the region, never state. Close the
// instance when done so the region can be released.
type Instance struct {
	eng    *Engine
	art    *Artifact
	handle *loader.Handle

	// Index spaces are imports first, then the instance's own definitions.
	funcImports []boundFunc
	memories    []*Memory
	tables      []*Table
	globals     []*Global

	mu     sync.Mutex
	closed bool
}

// Function is a callable exported function of an instance.
type Function struct {
	inst *Instance
	sig  types.FunctionSignature
	// entry is the function's absolute code address, or zero when the export
	// aliases an imported function and host holds the implementation.
	entry uintptr
	host  HostFunction
}

// Signature returns the function's parameter and result kinds.
func (f *Function) Signature() types.FunctionSignature { return f.sig }

// Call invokes the function. Params are the arguments' bit patterns in
// declaration order; results come back the same way. A wasm trap surfaces as
// *types.TrapError.
func (f *Function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if len(params) != len(f.sig.Params) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(f.sig.Params), len(params))
	}
	if f.inst.isClosed() {
		return nil, errors.New("instance is closed")
	}

	if f.host != nil {
		results, err := f.host(ctx, f.inst, params)
		if err != nil {
			return nil, err
		}
		if len(results) != len(f.sig.Results) {
			return nil, fmt.Errorf("host function returned %d results, expected %d", len(results), len(f.sig.Results))
		}
		return results, nil
	}

	stub, err := f.inst.eng.stubs.Stub(trampoline.HostToWasm, f.sig)
	if err != nil {
		return nil, err
	}
	n := len(params)
	if r := len(f.sig.Results); r > n {
		n = r
	}
	stack := make([]uint64, n)
	copy(stack, params)
	if err := f.inst.eng.invoker.Invoke(ctx, f.inst, stub.Addr(), f.entry, stack); err != nil {
		return nil, err
	}
	return stack[:len(f.sig.Results)], nil
}

// ExportedFunction returns the named exported function, or nil when no
// function is exported under that name.
func (m *Instance) ExportedFunction(name string) *Function {
	art := m.art.art
	for i := range art.Exports {
		exp := &art.Exports[i]
		if exp.Name != name || exp.Kind != ir.ExternKindFunc {
			continue
		}
		imported := uint32(len(m.funcImports))
		if exp.Index < imported {
			b := &m.funcImports[exp.Index]
			return &Function{inst: m, sig: b.sig, host: b.fn}
		}
		fn := &art.Functions[exp.Index-imported]
		return &Function{
			inst:  m,
			sig:   art.Signatures[fn.Signature],
			entry: m.handle.Base() + uintptr(fn.Offset),
		}
	}
	return nil
}

// ExportedMemory returns the named exported memory, or nil.
func (m *Instance) ExportedMemory(name string) *Memory {
	if idx, ok := m.exportIndex(name, ir.ExternKindMemory); ok {
		return m.memories[idx]
	}
	return nil
}

// ExportedTable returns the named exported table, or nil.
func (m *Instance) ExportedTable(name string) *Table {
	if idx, ok := m.exportIndex(name, ir.ExternKindTable); ok {
		return m.tables[idx]
	}
	return nil
}

// ExportedGlobal returns the named exported global, or nil.
func (m *Instance) ExportedGlobal(name string) *Global {
	if idx, ok := m.exportIndex(name, ir.ExternKindGlobal); ok {
		return m.globals[idx]
	}
	return nil
}

func (m *Instance) exportIndex(name string, kind ir.ExternKind) (uint32, bool) {
	art := m.art.art
	for i := range art.Exports {
		exp := &art.Exports[i]
		if exp.Name == name && exp.Kind == kind {
			return exp.Index, true
		}
	}
	return 0, false
}

// Close drops the instance's reference to the loaded code region. The last
// reference releases the region. Closing twice is a no-op; in-flight calls
// must have returned.
func (m *Instance) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.art.unref()
}

func (m *Instance) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Code implements codegen.Environment.
func (m *Instance) Code(addr uintptr) ([]byte, int, bool) {
	return m.eng.ld.Lookup(addr)
}

// Memory implements codegen.Environment. i is in the combined index space,
// imports first.
func (m *Instance) Memory(i uint32) codegen.Memory {
	if int(i) >= len(m.memories) {
		return nil
	}
	return m.memories[i]
}

// Table implements codegen.Environment.
func (m *Instance) Table(i uint32) codegen.Table {
	if int(i) >= len(m.tables) {
		return nil
	}
	return m.tables[i]
}

// Global implements codegen.Environment.
func (m *Instance) Global(i uint32) (uint64, bool) {
	if int(i) >= len(m.globals) {
		return 0, false
	}
	return m.globals[i].Get(), true
}

// SetGlobal implements codegen.Environment.
func (m *Instance) SetGlobal(i uint32, v uint64) bool {
	if int(i) >= len(m.globals) {
		return false
	}
	return m.globals[i].Set(v)
}

// HostCall implements codegen.Environment, dispatching an imported function
// after verifying the patched stub address against the import's binding.
func (m *Instance) HostCall(ctx context.Context, stub uintptr, importIndex uint32, stack []uint64) error {
	if int(importIndex) >= len(m.funcImports) {
		return fmt.Errorf("import index %d out of range", importIndex)
	}
	b := &m.funcImports[importIndex]
	if b.stub.Addr() != stub {
		return fmt.Errorf("import[%d]: address %#x is not its trampoline", importIndex, stub)
	}
	results, err := b.fn(ctx, m, stack[:len(b.sig.Params)])
	if err != nil {
		return err
	}
	if len(results) != len(b.sig.Results) {
		return fmt.Errorf("import[%d]: host function returned %d results, expected %d", importIndex, len(results), len(b.sig.Results))
	}
	copy(stack, results)
	return nil
}

// Libcall implements codegen.Environment, dispatching a runtime routine
// after verifying the patched stub address against the engine's block.
func (m *Instance) Libcall(ctx context.Context, stub uintptr, call types.LibCall, stack []uint64) error {
	if !call.Valid() {
		return fmt.Errorf("unknown libcall %d", call)
	}
	if m.eng.libcalls[call].Addr() != stub {
		return fmt.Errorf("%s: address %#x is not the engine's stub", call, stub)
	}

	switch call {
	case types.LibCallMemoryGrow:
		mem := m.memoryAt(0)
		if mem == nil {
			return errors.New("memory.grow: instance has no memory")
		}
		if prev, ok := mem.Grow(uint32(stack[0])); ok {
			stack[0] = uint64(prev)
		} else {
			stack[0] = uint64(uint32(0xffffffff))
		}
	case types.LibCallMemorySize:
		mem := m.memoryAt(0)
		if mem == nil {
			return errors.New("memory.size: instance has no memory")
		}
		stack[0] = uint64(mem.Size())
	case types.LibCallTableGrow:
		tab := m.tableAt(0)
		if tab == nil {
			return errors.New("table.grow: instance has no table")
		}
		if prev, ok := tab.Grow(uint32(stack[0]), 0); ok {
			stack[0] = uint64(prev)
		} else {
			stack[0] = uint64(uint32(0xffffffff))
		}
	case types.LibCallTableSize:
		tab := m.tableAt(0)
		if tab == nil {
			return errors.New("table.size: instance has no table")
		}
		stack[0] = uint64(tab.Size())
	case types.LibCallRefFunc:
		ref, err := m.functionRef(uint32(stack[0]))
		if err != nil {
			return err
		}
		stack[0] = ref
	case types.LibCallRaiseTrap:
		return &types.TrapError{Code: types.TrapCode(uint32(stack[0]))}
	}
	return nil
}

func (m *Instance) memoryAt(i uint32) *Memory {
	if int(i) >= len(m.memories) {
		return nil
	}
	return m.memories[i]
}

func (m *Instance) tableAt(i uint32) *Table {
	if int(i) >= len(m.tables) {
		return nil
	}
	return m.tables[i]
}

// functionRef returns the opaque reference for a combined-space function
// index: the bound stub address for imports, the absolute entry address for
// defined functions.
func (m *Instance) functionRef(idx uint32) (uint64, error) {
	imported := uint32(len(m.funcImports))
	if idx < imported {
		return uint64(m.funcImports[idx].stub.Addr()), nil
	}
	art := m.art.art
	local := idx - imported
	if int(local) >= len(art.Functions) {
		return 0, fmt.Errorf("function index %d out of range", idx)
	}
	return uint64(m.handle.Base() + uintptr(art.Functions[local].Offset)), nil
}

func (m *Instance) evalConstExpr(expr ir.ConstExpr) (uint64, types.ValueKind, error) {
	switch expr.Kind {
	case ir.ConstExprI32:
		return expr.Value, types.ValueKindI32, nil
	case ir.ConstExprI64:
		return expr.Value, types.ValueKindI64, nil
	case ir.ConstExprF32:
		return expr.Value, types.ValueKindF32, nil
	case ir.ConstExprF64:
		return expr.Value, types.ValueKindF64, nil
	case ir.ConstExprGlobalGet:
		idx := uint32(expr.Value)
		if int(idx) >= len(m.globals) {
			return 0, 0, fmt.Errorf("constant expression reads global %d out of range", idx)
		}
		g := m.globals[idx]
		return g.Get(), g.Kind(), nil
	}
	return 0, 0, fmt.Errorf("unknown constant expression kind %d", expr.Kind)
}

// Instantiate links an artifact against imports and returns a runnable
// instance. The code region is mapped on the artifact's first instantiation
// and shared by later ones.
//
// A missing or mismatched import fails with types.LinkError before any
// instance resource exists. After linking, memories, tables and globals are
// allocated, data and element segments are validated in full and then
// applied, and the start function runs if the module declares one. Any
// failure past linking releases everything acquired and returns
// types.InstantiationError; a start trap is wrapped inside it as
// *types.TrapError.
func (e *Engine) Instantiate(ctx context.Context, a *Artifact, imports *Imports) (*Instance, error) {
	if a == nil || a.eng != e {
		return nil, errors.New("artifact was not produced by this engine")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errEngineClosed
	}
	art := a.art

	// Link first: a failure here must leave no trace.
	bound, mems, tabs, globs, err := e.resolveImports(art, imports)
	if err != nil {
		return nil, err
	}

	handle, err := a.acquire()
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		eng:         e,
		art:         a,
		handle:      handle,
		funcImports: bound,
		memories:    mems,
		tables:      tabs,
		globals:     globs,
	}
	if err := e.initialize(ctx, inst, art); err != nil {
		_ = a.unref()
		return nil, err
	}

	e.logger.Debug("module instantiated",
		zap.String("module", art.ModuleID.String()),
		zap.Int("imports", len(art.Imports)))
	return inst, nil
}

// resolveImports matches every declared import against the provided set:
// structural signature equality for functions, limit containment for
// memories and tables, kind and mutability equality for globals.
func (e *Engine) resolveImports(art *artifact.Artifact, imports *Imports) ([]boundFunc, []*Memory, []*Table, []*Global, error) {
	var (
		bound []boundFunc
		mems  []*Memory
		tabs  []*Table
		globs []*Global
	)
	for i := range art.Imports {
		imp := &art.Imports[i]
		fail := func(reason string) error {
			return &types.LinkError{Module: imp.Module, Name: imp.Name, Reason: reason}
		}
		switch imp.Kind {
		case ir.ExternKindFunc:
			hf, ok := imports.lookupFunc(imp.Module, imp.Name)
			if !ok {
				return nil, nil, nil, nil, fail("function not provided")
			}
			declared := art.Signatures[imp.Signature]
			if !declared.Equal(hf.sig) {
				return nil, nil, nil, nil, fail(fmt.Sprintf("signature mismatch: %s != %s", declared, hf.sig))
			}
			stub, err := e.stubs.Stub(trampoline.WasmToHost, declared)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			bound = append(bound, boundFunc{stub: stub, sig: declared, fn: hf.fn})
		case ir.ExternKindMemory:
			mem, ok := imports.lookupMemory(imp.Module, imp.Name)
			if !ok {
				return nil, nil, nil, nil, fail("memory not provided")
			}
			if mem.min < imp.Memory.Min {
				return nil, nil, nil, nil, fail("incompatible memory import: minimum size mismatch")
			}
			if imp.Memory.Max != nil && (mem.max == nil || *mem.max > *imp.Memory.Max) {
				return nil, nil, nil, nil, fail("incompatible memory import: maximum size mismatch")
			}
			mems = append(mems, mem)
		case ir.ExternKindTable:
			tab, ok := imports.lookupTable(imp.Module, imp.Name)
			if !ok {
				return nil, nil, nil, nil, fail("table not provided")
			}
			if tab.min < imp.Table.Min {
				return nil, nil, nil, nil, fail("incompatible table import: minimum size mismatch")
			}
			if imp.Table.Max != nil && (tab.max == nil || *tab.max > *imp.Table.Max) {
				return nil, nil, nil, nil, fail("incompatible table import: maximum size mismatch")
			}
			tabs = append(tabs, tab)
		case ir.ExternKindGlobal:
			glob, ok := imports.lookupGlobal(imp.Module, imp.Name)
			if !ok {
				return nil, nil, nil, nil, fail("global not provided")
			}
			if glob.mutable != imp.Global.Mutable {
				return nil, nil, nil, nil, fail("incompatible global import: mutability mismatch")
			}
			if glob.kind != imp.Global.Kind {
				return nil, nil, nil, nil, fail("incompatible global import: value type mismatch")
			}
			globs = append(globs, glob)
		}
	}
	return bound, mems, tabs, globs, nil
}

type dataPlacement struct {
	mem    *Memory
	offset uint32
	init   []byte
}

type elemPlacement struct {
	table  *Table
	offset uint32
	refs   []uint64
}

// initialize allocates the instance's own definitions, validates every data
// and element segment, applies them, and runs the start function. Callers
// roll back the artifact reference on error.
func (e *Engine) initialize(ctx context.Context, inst *Instance, art *artifact.Artifact) error {
	for i := range art.Memories {
		mt := &art.Memories[i]
		mem, err := NewMemory(mt.Min, mt.Max)
		if err != nil {
			return &types.InstantiationError{Err: fmt.Errorf("memory[%d]: %w", i, err)}
		}
		inst.memories = append(inst.memories, mem)
		e.allocations.Add(1)
	}
	for i := range art.Tables {
		tt := &art.Tables[i]
		tab, err := NewTable(tt.Min, tt.Max)
		if err != nil {
			return &types.InstantiationError{Err: fmt.Errorf("table[%d]: %w", i, err)}
		}
		inst.tables = append(inst.tables, tab)
		e.allocations.Add(1)
	}
	for i := range art.Globals {
		g := &art.Globals[i]
		v, kind, err := inst.evalConstExpr(g.Init)
		if err != nil {
			return &types.InstantiationError{Err: fmt.Errorf("global[%d]: %w", i, err)}
		}
		if kind != g.Type.Kind {
			return &types.InstantiationError{Err: fmt.Errorf("global[%d]: initializer evaluates to %s, declared %s", i, kind, g.Type.Kind)}
		}
		inst.globals = append(inst.globals, &Global{kind: g.Type.Kind, mutable: g.Type.Mutable, value: v})
		e.allocations.Add(1)
	}

	// Validate every segment before applying any, so a bad one cannot leave
	// memories or tables partially written.
	var dataPlacements []dataPlacement
	for i := range art.Data {
		seg := &art.Data[i]
		mem := inst.memoryAt(seg.MemoryIndex)
		if mem == nil {
			return &types.InstantiationError{Err: fmt.Errorf("data[%d]: memory index %d out of range", i, seg.MemoryIndex)}
		}
		offv, kind, err := inst.evalConstExpr(seg.Offset)
		if err != nil {
			return &types.InstantiationError{Err: fmt.Errorf("data[%d]: %w", i, err)}
		}
		if kind != types.ValueKindI32 {
			return &types.InstantiationError{Err: fmt.Errorf("data[%d]: offset expression must be i32, have %s", i, kind)}
		}
		offset := uint32(offv)
		if uint64(offset)+uint64(len(seg.Init)) > mem.byteLen() {
			return &types.InstantiationError{Err: fmt.Errorf("data[%d]: out of bounds memory access", i)}
		}
		dataPlacements = append(dataPlacements, dataPlacement{mem: mem, offset: offset, init: seg.Init})
	}
	var elemPlacements []elemPlacement
	for i := range art.Elements {
		seg := &art.Elements[i]
		tab := inst.tableAt(seg.TableIndex)
		if tab == nil {
			return &types.InstantiationError{Err: fmt.Errorf("element[%d]: table index %d out of range", i, seg.TableIndex)}
		}
		offv, kind, err := inst.evalConstExpr(seg.Offset)
		if err != nil {
			return &types.InstantiationError{Err: fmt.Errorf("element[%d]: %w", i, err)}
		}
		if kind != types.ValueKindI32 {
			return &types.InstantiationError{Err: fmt.Errorf("element[%d]: offset expression must be i32, have %s", i, kind)}
		}
		offset := uint32(offv)
		if uint64(offset)+uint64(len(seg.Functions)) > uint64(tab.Size()) {
			return &types.InstantiationError{Err: fmt.Errorf("element[%d]: out of bounds table access", i)}
		}
		refs := make([]uint64, len(seg.Functions))
		for j, fnIdx := range seg.Functions {
			ref, err := inst.functionRef(uint32(fnIdx))
			if err != nil {
				return &types.InstantiationError{Err: fmt.Errorf("element[%d]: %w", i, err)}
			}
			refs[j] = ref
		}
		elemPlacements = append(elemPlacements, elemPlacement{table: tab, offset: offset, refs: refs})
	}

	// All validation passed, we are safe to mutate memory and table state.
	for _, p := range dataPlacements {
		p.mem.init(p.offset, p.init)
	}
	for _, p := range elemPlacements {
		p.table.init(p.offset, p.refs)
	}

	if art.Start != nil {
		if err := e.runStart(ctx, inst, *art.Start); err != nil {
			return err
		}
	}
	return nil
}

// runStart executes the start function, a nullary function in the combined
// index space.
func (e *Engine) runStart(ctx context.Context, inst *Instance, idx ir.Index) error {
	imported := uint32(len(inst.funcImports))
	if idx < imported {
		b := &inst.funcImports[idx]
		if _, err := b.fn(ctx, inst, nil); err != nil {
			return &types.InstantiationError{Err: fmt.Errorf("start function[%d]: %w", idx, err)}
		}
		return nil
	}

	art := inst.art.art
	fn := &art.Functions[idx-imported]
	sig := art.Signatures[fn.Signature]
	stub, err := e.stubs.Stub(trampoline.HostToWasm, sig)
	if err != nil {
		return &types.InstantiationError{Err: fmt.Errorf("start function[%d]: %w", idx, err)}
	}
	entry := inst.handle.Base() + uintptr(fn.Offset)
	if err := e.invoker.Invoke(ctx, inst, stub.Addr(), entry, nil); err != nil {
		return &types.InstantiationError{Err: fmt.Errorf("start function[%d]: %w", idx, err)}
	}
	return nil
}
