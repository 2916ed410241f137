package molten

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moltenwasm/molten/internal/testing/testgen"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

var (
	sigV_I64 = types.Sig(nil, []types.ValueKind{types.ValueKindI64})
	sigV_I32 = types.Sig(nil, []types.ValueKind{types.ValueKindI32})
	sigI32_I32 = types.Sig(
		[]types.ValueKind{types.ValueKindI32},
		[]types.ValueKind{types.ValueKindI32})
	sigI32_I64 = types.Sig(
		[]types.ValueKind{types.ValueKindI32},
		[]types.ValueKind{types.ValueKindI64})
	sigI32_V = types.Sig([]types.ValueKind{types.ValueKindI32}, nil)
	sigI64_V = types.Sig([]types.ValueKind{types.ValueKindI64}, nil)
)

func mustMemory(t *testing.T, min uint32, max *uint32) *Memory {
	t.Helper()
	m, err := NewMemory(min, max)
	require.NoError(t, err)
	return m
}

func mustTable(t *testing.T, min uint32, max *uint32) *Table {
	t.Helper()
	tab, err := NewTable(min, max)
	require.NoError(t, err)
	return tab
}

func mustGlobal(t *testing.T, kind types.ValueKind, mutable bool, value uint64) *Global {
	t.Helper()
	g, err := NewGlobal(kind, mutable, value)
	require.NoError(t, err)
	return g
}

func instantiate(t *testing.T, e *Engine, mod *ir.Module, imports *Imports) *Instance {
	t.Helper()
	a, err := e.Compile(testCtx, mod)
	require.NoError(t, err)
	m, err := e.Instantiate(testCtx, a, imports)
	require.NoError(t, err)
	return m
}

func TestNewMemory_limits(t *testing.T) {
	tests := []struct {
		name        string
		min         uint32
		max         *uint32
		expectedErr string
	}{
		{name: "empty", min: 0},
		{name: "empty with maximum", min: 0, max: testgen.Max(0)},
		{
			name:        "minimum over ceiling",
			min:         MemoryMaxPages + 1,
			expectedErr: "memory minimum 65537 pages exceeds the 65536 page limit",
		},
		{
			name:        "maximum over ceiling",
			min:         1,
			max:         testgen.Max(MemoryMaxPages + 1),
			expectedErr: "memory maximum 65537 pages exceeds the 65536 page limit",
		},
		{
			name:        "minimum over maximum",
			min:         3,
			max:         testgen.Max(2),
			expectedErr: "memory minimum 3 pages exceeds maximum 2",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewMemory(tc.min, tc.max)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.min, m.Size())
		})
	}
}

func TestMemory(t *testing.T) {
	m := mustMemory(t, 1, testgen.Max(2))
	require.Equal(t, uint32(1), m.Size())

	// Reads and writes are bounds checked against the byte length.
	require.True(t, m.Write(65532, []byte{1, 2, 3, 4}))
	require.False(t, m.Write(65533, []byte{1, 2, 3, 4}))
	b, ok := m.Read(65532, 4)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, b)
	_, ok = m.Read(65533, 4)
	require.False(t, ok)
	_, ok = m.Read(70000, 1)
	require.False(t, ok)

	// Read returns a live view, not a copy.
	view, ok := m.Read(8, 2)
	require.True(t, ok)
	require.True(t, m.Write(8, []byte{0xaa, 0xbb}))
	require.Equal(t, []byte{0xaa, 0xbb}, view)

	prev, ok := m.Grow(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), prev)
	require.Equal(t, uint32(2), m.Size())

	// Existing contents survive growth.
	b, ok = m.Read(65532, 4)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, b)

	_, ok = m.Grow(1)
	require.False(t, ok)
	prev, ok = m.Grow(0)
	require.True(t, ok)
	require.Equal(t, uint32(2), prev)
}

func TestNewTable_limits(t *testing.T) {
	tests := []struct {
		name        string
		min         uint32
		max         *uint32
		expectedErr string
	}{
		{name: "empty", min: 0},
		{
			name:        "minimum over ceiling",
			min:         maximumTableSize + 1,
			expectedErr: "table minimum 134217729 exceeds the 134217728 entry limit",
		},
		{
			name:        "maximum over ceiling",
			min:         1,
			max:         testgen.Max(maximumTableSize + 1),
			expectedErr: "table maximum 134217729 exceeds the 134217728 entry limit",
		},
		{
			name:        "minimum over maximum",
			min:         3,
			max:         testgen.Max(2),
			expectedErr: "table minimum 3 exceeds maximum 2",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tab, err := NewTable(tc.min, tc.max)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.min, tab.Size())
		})
	}
}

func TestTable(t *testing.T) {
	tab := mustTable(t, 2, testgen.Max(3))
	require.Equal(t, uint32(2), tab.Size())

	// Fresh entries are null.
	ref, ok := tab.Get(0)
	require.True(t, ok)
	require.Zero(t, ref)
	_, ok = tab.Get(2)
	require.False(t, ok)

	require.True(t, tab.Set(1, 42))
	require.False(t, tab.Set(5, 1))
	ref, ok = tab.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(42), ref)

	prev, ok := tab.Grow(1, 7)
	require.True(t, ok)
	require.Equal(t, uint32(2), prev)
	ref, ok = tab.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(7), ref)

	_, ok = tab.Grow(1, 0)
	require.False(t, ok)
	prev, ok = tab.Grow(0, 0)
	require.True(t, ok)
	require.Equal(t, uint32(3), prev)
}

func TestGlobal(t *testing.T) {
	_, err := NewGlobal(types.ValueKind(0x55), true, 0)
	require.EqualError(t, err, "unknown value kind 85")

	for _, kind := range []types.ValueKind{
		types.ValueKindI32, types.ValueKindI64,
		types.ValueKindF32, types.ValueKindF64, types.ValueKindRef,
	} {
		_, err := NewGlobal(kind, false, 0)
		require.NoError(t, err)
	}

	frozen := mustGlobal(t, types.ValueKindI32, false, 7)
	require.Equal(t, types.ValueKindI32, frozen.Kind())
	require.False(t, frozen.Mutable())
	require.False(t, frozen.Set(9))
	require.Equal(t, uint64(7), frozen.Get())

	counter := mustGlobal(t, types.ValueKindI64, true, 0)
	require.True(t, counter.Mutable())
	require.True(t, counter.Set(9))
	require.Equal(t, uint64(9), counter.Get())
}

func TestEngine_Instantiate_linkErrors(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name    string
		declare func(mb *testgen.ModuleBuilder)
		imports *Imports
		reason  string
	}{
		{
			name:    "function not provided",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportFunc("env", "x", sigI64_I64) },
			imports: nil,
			reason:  "function not provided",
		},
		{
			name:    "function signature mismatch",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportFunc("env", "x", sigI64_I64) },
			imports: NewImports().AddFunc("env", "x", sigI64I64_I64,
				func(context.Context, *Instance, []uint64) ([]uint64, error) { return nil, nil }),
			reason: "signature mismatch: i64_i64 != i64i64_i64",
		},
		{
			name:    "memory not provided",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportMemory("env", "x", 1, nil) },
			imports: NewImports(),
			reason:  "memory not provided",
		},
		{
			name:    "memory minimum below declared",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportMemory("env", "x", 2, nil) },
			imports: NewImports().AddMemory("env", "x", mustMemory(t, 1, nil)),
			reason:  "incompatible memory import: minimum size mismatch",
		},
		{
			name:    "memory without declared maximum",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportMemory("env", "x", 1, testgen.Max(2)) },
			imports: NewImports().AddMemory("env", "x", mustMemory(t, 1, nil)),
			reason:  "incompatible memory import: maximum size mismatch",
		},
		{
			name:    "table not provided",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportTable("env", "x", 1, nil) },
			imports: NewImports(),
			reason:  "table not provided",
		},
		{
			name:    "table minimum below declared",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportTable("env", "x", 2, nil) },
			imports: NewImports().AddTable("env", "x", mustTable(t, 1, nil)),
			reason:  "incompatible table import: minimum size mismatch",
		},
		{
			name:    "table without declared maximum",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportTable("env", "x", 1, testgen.Max(2)) },
			imports: NewImports().AddTable("env", "x", mustTable(t, 1, nil)),
			reason:  "incompatible table import: maximum size mismatch",
		},
		{
			name:    "global not provided",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportGlobal("env", "x", types.ValueKindI32, false) },
			imports: NewImports(),
			reason:  "global not provided",
		},
		{
			name:    "global mutability mismatch",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportGlobal("env", "x", types.ValueKindI32, false) },
			imports: NewImports().AddGlobal("env", "x", mustGlobal(t, types.ValueKindI32, true, 0)),
			reason:  "incompatible global import: mutability mismatch",
		},
		{
			name:    "global kind mismatch",
			declare: func(mb *testgen.ModuleBuilder) { mb.ImportGlobal("env", "x", types.ValueKindI32, false) },
			imports: NewImports().AddGlobal("env", "x", mustGlobal(t, types.ValueKindI64, false, 0)),
			reason:  "incompatible global import: value type mismatch",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mb := testgen.Module("link-" + tc.name)
			tc.declare(mb)
			// Own definitions the instance would allocate after linking.
			mb.Memory(1, nil)
			mb.Global(types.ValueKindI64, true, ir.I64Const(0))
			a, err := e.Compile(testCtx, mb.Build())
			require.NoError(t, err)

			before := e.allocations.Load()
			_, err = e.Instantiate(testCtx, a, tc.imports)
			le := &types.LinkError{}
			require.ErrorAs(t, err, &le)
			require.EqualError(t, err, "import[env.x]: "+tc.reason)
			// A failed link allocates nothing.
			require.Equal(t, before, e.allocations.Load())
		})
	}

	t.Run("allocations move once linked", func(t *testing.T) {
		mb := testgen.Module("link-ok")
		mb.ImportFunc("env", "x", sigI64_I64)
		mb.Memory(1, nil)
		mb.Global(types.ValueKindI64, true, ir.I64Const(0))
		a, err := e.Compile(testCtx, mb.Build())
		require.NoError(t, err)

		before := e.allocations.Load()
		_, err = e.Instantiate(testCtx, a, NewImports().AddFunc("env", "x", sigI64_I64,
			func(ctx context.Context, mod *Instance, params []uint64) ([]uint64, error) {
				return params, nil
			}))
		require.NoError(t, err)
		require.Equal(t, before+2, e.allocations.Load())
	})
}

func TestInstance_hostImport(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("host-import")
	poke := mb.ImportFunc("env", "poke", sigI64_I64)
	run := mb.Func(sigI64_I64, testgen.Body(sigI64_I64).
		LocalGet(0).CallImport(poke, 1, 1).Return())
	mb.ExportFunc("run", run).
		Memory(1, nil).
		Export("mem", ir.ExternKindMemory, 0)

	var seen []uint64
	imports := NewImports().AddFunc("env", "poke", sigI64_I64,
		func(ctx context.Context, mod *Instance, params []uint64) ([]uint64, error) {
			seen = append(seen, params[0])
			// The host side sees the caller's memory.
			require.True(t, mod.ExportedMemory("mem").Write(0, []byte{byte(params[0])}))
			return []uint64{params[0] * 2}, nil
		})

	m := instantiate(t, e, mb.Build(), imports)
	results, err := m.ExportedFunction("run").Call(testCtx, 7)
	require.NoError(t, err)
	require.Equal(t, []uint64{14}, results)
	require.Equal(t, []uint64{7}, seen)

	b, ok := m.ExportedMemory("mem").Read(0, 1)
	require.True(t, ok)
	require.Equal(t, []byte{7}, b)
}

func TestInstance_startFunction(t *testing.T) {
	e := newTestEngine(t)

	t.Run("local start runs before instantiate returns", func(t *testing.T) {
		mb := testgen.Module("start-local")
		g := mb.Global(types.ValueKindI64, true, ir.I64Const(1))
		init := mb.Func(sigV_V, testgen.Body(sigV_V).
			ConstI64(42).GlobalSet(g).Return())
		mb.Start(init)
		mb.Export("g", ir.ExternKindGlobal, g)

		m := instantiate(t, e, mb.Build(), nil)
		require.Equal(t, uint64(42), m.ExportedGlobal("g").Get())
	})

	t.Run("imported start", func(t *testing.T) {
		mb := testgen.Module("start-imported")
		init := mb.ImportFunc("env", "init", sigV_V)
		mb.Start(init)

		var ran bool
		instantiate(t, e, mb.Build(), NewImports().AddFunc("env", "init", sigV_V,
			func(context.Context, *Instance, []uint64) ([]uint64, error) {
				ran = true
				return nil, nil
			}))
		require.True(t, ran)
	})

	t.Run("start trap fails instantiation", func(t *testing.T) {
		mb := testgen.Module("start-trap")
		boom := mb.Func(sigV_V, testgen.Body(sigV_V).
			Trap(types.TrapUnreachableCodeReached))
		mb.Start(boom)

		a, err := e.Compile(testCtx, mb.Build())
		require.NoError(t, err)
		_, err = e.Instantiate(testCtx, a, nil)
		ie := &types.InstantiationError{}
		require.ErrorAs(t, err, &ie)
		te := &types.TrapError{}
		require.ErrorAs(t, err, &te)
		require.Equal(t, types.TrapUnreachableCodeReached, te.Code)
		require.Contains(t, err.Error(), "start function[0]")
	})
}

func TestInstance_dataSegments(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("segments")
	mb.ImportGlobal("env", "base", types.ValueKindI32, false)
	mb.Memory(1, nil).Export("mem", ir.ExternKindMemory, 0)
	mb.Data(0, ir.I32Const(4), []byte("abcd"))
	// The second segment is placed by the imported global.
	mb.Data(0, ir.GlobalGet(0), []byte("xy"))
	peek := mb.Func(sigI32_I32, testgen.Body(sigI32_I32).
		LocalGet(0).MemLoad32().Return())
	mb.ExportFunc("peek", peek)

	m := instantiate(t, e, mb.Build(), NewImports().
		AddGlobal("env", "base", mustGlobal(t, types.ValueKindI32, false, 10)))

	b, ok := m.ExportedMemory("mem").Read(4, 4)
	require.True(t, ok)
	require.Equal(t, []byte("abcd"), b)
	b, ok = m.ExportedMemory("mem").Read(10, 2)
	require.True(t, ok)
	require.Equal(t, []byte("xy"), b)

	results, err := m.ExportedFunction("peek").Call(testCtx, 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x64636261}, results)
}

func TestEngine_Instantiate_initializerErrors(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name        string
		build       func(mb *testgen.ModuleBuilder)
		expectedErr string
	}{
		{
			name: "data segment out of bounds",
			build: func(mb *testgen.ModuleBuilder) {
				mb.Memory(1, nil)
				mb.Data(0, ir.I32Const(65535), []byte{1, 2})
			},
			expectedErr: "instantiation failed: data[0]: out of bounds memory access",
		},
		{
			name: "data offset of the wrong kind",
			build: func(mb *testgen.ModuleBuilder) {
				mb.Memory(1, nil)
				mb.Data(0, ir.I64Const(1), []byte{1})
			},
			expectedErr: "instantiation failed: data[0]: offset expression must be i32, have i64",
		},
		{
			name: "element segment out of bounds",
			build: func(mb *testgen.ModuleBuilder) {
				mb.Table(1, nil)
				f := mb.Func(sigV_V, testgen.Body(sigV_V).Return())
				mb.Elem(0, ir.I32Const(1), f)
			},
			expectedErr: "instantiation failed: element[0]: out of bounds table access",
		},
		{
			name: "global initializer of the wrong kind",
			build: func(mb *testgen.ModuleBuilder) {
				mb.Global(types.ValueKindI32, true, ir.I64Const(5))
			},
			expectedErr: "instantiation failed: global[0]: initializer evaluates to i64, declared i32",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mb := testgen.Module("init-" + tc.name)
			tc.build(mb)
			a, err := e.Compile(testCtx, mb.Build())
			require.NoError(t, err)

			_, err = e.Instantiate(testCtx, a, nil)
			ie := &types.InstantiationError{}
			require.ErrorAs(t, err, &ie)
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestEngine_Instantiate_segmentsApplyAtomically(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("segments-atomic")
	mb.ImportMemory("env", "mem", 1, nil)
	mb.Data(0, ir.I32Const(0), []byte("written"))
	mb.Data(0, ir.I32Const(65535), []byte{1, 2})

	a, err := e.Compile(testCtx, mb.Build())
	require.NoError(t, err)

	mem := mustMemory(t, 1, nil)
	_, err = e.Instantiate(testCtx, a, NewImports().AddMemory("env", "mem", mem))
	require.EqualError(t, err, "instantiation failed: data[1]: out of bounds memory access")

	// The first, valid segment must not have been applied either.
	b, ok := mem.Read(0, 7)
	require.True(t, ok)
	require.Equal(t, make([]byte, 7), b)
}

func TestInstance_callIndirect(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("indirect")
	mb.Table(4, testgen.Max(4))
	f1 := mb.Func(sigV_I64, testgen.Body(sigV_I64).ConstI64(11).Return())
	f2 := mb.Func(sigV_I64, testgen.Body(sigV_I64).ConstI64(22).Return())
	mb.Elem(0, ir.I32Const(1), f1, f2)
	dispatch := mb.Func(sigI32_I64, testgen.Body(sigI32_I64).
		LocalGet(0).CallIndirect(0, 0, 1).Return())
	// Passes one argument to targets that take none.
	mis := mb.Func(sigI32_I64, testgen.Body(sigI32_I64).
		ConstI64(0).LocalGet(0).CallIndirect(0, 1, 1).Return())
	mb.ExportFunc("dispatch", dispatch).ExportFunc("misdispatch", mis)

	m := instantiate(t, e, mb.Build(), nil)

	results, err := m.ExportedFunction("dispatch").Call(testCtx, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{11}, results)
	results, err = m.ExportedFunction("dispatch").Call(testCtx, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{22}, results)

	traps := []struct {
		name     string
		fn       string
		element  uint64
		expected types.TrapCode
	}{
		{"unfilled slot", "dispatch", 0, types.TrapIndirectCallToNull},
		{"trailing null slot", "dispatch", 3, types.TrapIndirectCallToNull},
		{"element out of bounds", "dispatch", 9, types.TrapTableAccessOutOfBounds},
		{"arity mismatch", "misdispatch", 1, types.TrapBadSignature},
	}
	for _, tc := range traps {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.ExportedFunction(tc.fn).Call(testCtx, tc.element)
			te := &types.TrapError{}
			require.ErrorAs(t, err, &te)
			require.Equal(t, tc.expected, te.Code)
		})
	}
}

func TestInstance_sharedGlobal(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("shared-global")
	mb.ImportGlobal("env", "g", types.ValueKindI64, true)
	set := mb.Func(sigI64_V, testgen.Body(sigI64_V).
		LocalGet(0).GlobalSet(0).Return())
	get := mb.Func(sigV_I64, testgen.Body(sigV_I64).
		GlobalGet(0).Return())
	mb.ExportFunc("set", set).ExportFunc("get", get)

	g := mustGlobal(t, types.ValueKindI64, true, 5)
	m := instantiate(t, e, mb.Build(), NewImports().AddGlobal("env", "g", g))

	results, err := m.ExportedFunction("get").Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, results)

	_, err = m.ExportedFunction("set").Call(testCtx, 9)
	require.NoError(t, err)
	require.Equal(t, uint64(9), g.Get())

	// Host writes are visible to the module, it is one global.
	require.True(t, g.Set(3))
	results, err = m.ExportedFunction("get").Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, results)
}

func TestInstance_traps(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("traps")
	mb.Memory(1, nil)
	load := mb.Func(sigI32_I32, testgen.Body(sigI32_I32).
		LocalGet(0).MemLoad32().Return())
	div := mb.Func(sigI64I64_I64, testgen.Body(sigI64I64_I64).
		LocalGet(0).LocalGet(1).I64DivS().Return())
	recurse := mb.Func(sigV_V, testgen.Body(sigV_V).
		Call(2, 0, 0).Return())
	mb.ExportFunc("load", load).ExportFunc("div", div).ExportFunc("recurse", recurse)

	m := instantiate(t, e, mb.Build(), nil)

	// In-bounds load of untouched memory reads zero.
	results, err := m.ExportedFunction("load").Call(testCtx, 65532)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, results)

	tests := []struct {
		name     string
		fn       string
		params   []uint64
		expected types.TrapCode
	}{
		{"load beyond memory end", "load", []uint64{65533}, types.TrapHeapAccessOutOfBounds},
		{"division by zero", "div", []uint64{7, 0}, types.TrapIntegerDivisionByZero},
		{"minimum by minus one", "div", []uint64{1 << 63, math.MaxUint64}, types.TrapIntegerOverflow},
		{"unbounded recursion", "recurse", nil, types.TrapStackOverflow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.ExportedFunction(tc.fn).Call(testCtx, tc.params...)
			te := &types.TrapError{}
			require.ErrorAs(t, err, &te)
			require.Equal(t, tc.expected, te.Code)
			require.EqualError(t, err, tc.expected.Message())
		})
	}
}

func TestInstance_libcalls(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("libcalls")
	mb.Memory(1, testgen.Max(2)).Export("mem", ir.ExternKindMemory, 0)
	mb.Table(2, testgen.Max(3)).Export("tab", ir.ExternKindTable, 0)
	memSize := mb.Func(sigV_I32, testgen.Body(sigV_I32).
		Libcall(types.LibCallMemorySize).Return())
	memGrow := mb.Func(sigI32_I32, testgen.Body(sigI32_I32).
		LocalGet(0).Libcall(types.LibCallMemoryGrow).Return())
	tabSize := mb.Func(sigV_I32, testgen.Body(sigV_I32).
		Libcall(types.LibCallTableSize).Return())
	tabGrow := mb.Func(sigI32_I32, testgen.Body(sigI32_I32).
		LocalGet(0).Libcall(types.LibCallTableGrow).Return())
	raise := mb.Func(sigI32_V, testgen.Body(sigI32_V).
		LocalGet(0).Libcall(types.LibCallRaiseTrap).Return())
	eleven := mb.Func(sigV_I64, testgen.Body(sigV_I64).ConstI64(11).Return())
	ref := mb.Func(sigI32_I64, testgen.Body(sigI32_I64).
		LocalGet(0).Libcall(types.LibCallRefFunc).Return())
	dispatch := mb.Func(sigI32_I64, testgen.Body(sigI32_I64).
		LocalGet(0).CallIndirect(0, 0, 1).Return())
	mb.ExportFunc("mem_size", memSize).
		ExportFunc("mem_grow", memGrow).
		ExportFunc("tab_size", tabSize).
		ExportFunc("tab_grow", tabGrow).
		ExportFunc("raise", raise).
		ExportFunc("eleven", eleven).
		ExportFunc("ref", ref).
		ExportFunc("dispatch", dispatch)

	m := instantiate(t, e, mb.Build(), nil)
	call := func(name string, params ...uint64) uint64 {
		t.Helper()
		results, err := m.ExportedFunction(name).Call(testCtx, params...)
		require.NoError(t, err)
		require.Len(t, results, 1)
		return results[0]
	}

	require.Equal(t, uint64(1), call("mem_size"))
	require.Equal(t, uint64(1), call("mem_grow", 1))
	require.Equal(t, uint64(2), call("mem_size"))
	require.Equal(t, uint32(2), m.ExportedMemory("mem").Size())
	// Growing past the maximum reports failure in-band.
	require.Equal(t, uint64(0xffffffff), call("mem_grow", 1))

	require.Equal(t, uint64(2), call("tab_size"))
	require.Equal(t, uint64(2), call("tab_grow", 1))
	require.Equal(t, uint64(3), call("tab_size"))
	require.Equal(t, uint64(0xffffffff), call("tab_grow", 1))

	_, err := m.ExportedFunction("raise").Call(testCtx, uint64(types.TrapUnreachableCodeReached))
	te := &types.TrapError{}
	require.ErrorAs(t, err, &te)
	require.Equal(t, types.TrapUnreachableCodeReached, te.Code)

	// A reference from the module resolves to the function's entry and is
	// callable through a table.
	r := call("ref", uint64(eleven))
	require.Equal(t, uint64(m.ExportedFunction("eleven").entry), r)
	require.True(t, m.ExportedTable("tab").Set(0, r))
	require.Equal(t, uint64(11), call("dispatch", 0))
}

func TestInstance_exports(t *testing.T) {
	e := newTestEngine(t)

	mb := testgen.Module("exports")
	ext := mb.ImportFunc("env", "ext", sigV_I64)
	mb.ImportMemory("env", "m0", 1, nil)
	f := mb.Func(sigV_I64, testgen.Body(sigV_I64).ConstI64(7).Return())
	g := mb.Global(types.ValueKindI64, false, ir.I64Const(9))
	mb.Memory(1, nil)
	mb.Table(1, nil)
	mb.ExportFunc("ext", ext).
		ExportFunc("f", f).
		Export("imem", ir.ExternKindMemory, 0).
		Export("mem", ir.ExternKindMemory, 1).
		Export("tab", ir.ExternKindTable, 0).
		Export("g", ir.ExternKindGlobal, g)

	provided := mustMemory(t, 1, nil)
	m := instantiate(t, e, mb.Build(), NewImports().
		AddFunc("env", "ext", sigV_I64,
			func(context.Context, *Instance, []uint64) ([]uint64, error) {
				return []uint64{99}, nil
			}).
		AddMemory("env", "m0", provided))

	// Unknown names and kind mismatches resolve to nothing.
	require.Nil(t, m.ExportedFunction("nope"))
	require.Nil(t, m.ExportedMemory("nope"))
	require.Nil(t, m.ExportedTable("nope"))
	require.Nil(t, m.ExportedGlobal("nope"))
	require.Nil(t, m.ExportedMemory("f"))

	fn := m.ExportedFunction("f")
	require.NotNil(t, fn)
	require.True(t, fn.Signature().Equal(sigV_I64))
	results, err := fn.Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, results)

	// A re-exported import dispatches straight to the host function.
	re := m.ExportedFunction("ext")
	require.NotNil(t, re)
	require.Zero(t, re.entry)
	results, err = re.Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, []uint64{99}, results)

	require.Same(t, provided, m.ExportedMemory("imem"))
	require.NotSame(t, provided, m.ExportedMemory("mem"))
	require.Equal(t, uint32(1), m.ExportedTable("tab").Size())

	exported := m.ExportedGlobal("g")
	require.Equal(t, uint64(9), exported.Get())
	require.False(t, exported.Mutable())
	require.Equal(t, types.ValueKindI64, exported.Kind())
}

func TestFunction_Call_errors(t *testing.T) {
	e := newTestEngine(t)

	hostErr := errors.New("backend unavailable")
	mb := testgen.Module("call-errors")
	boom := mb.ImportFunc("env", "boom", sigV_I64)
	short := mb.ImportFunc("env", "short", sigV_I64)
	callBoom := mb.Func(sigV_I64, testgen.Body(sigV_I64).
		CallImport(boom, 0, 1).Return())
	callShort := mb.Func(sigV_I64, testgen.Body(sigV_I64).
		CallImport(short, 0, 1).Return())
	add := mb.Func(sigI64I64_I64, testgen.Body(sigI64I64_I64).
		LocalGet(0).LocalGet(1).I64Add().Return())
	mb.ExportFunc("call_boom", callBoom).
		ExportFunc("call_short", callShort).
		ExportFunc("add", add).
		ExportFunc("short", short)

	m := instantiate(t, e, mb.Build(), NewImports().
		AddFunc("env", "boom", sigV_I64,
			func(context.Context, *Instance, []uint64) ([]uint64, error) {
				return nil, hostErr
			}).
		AddFunc("env", "short", sigV_I64,
			func(context.Context, *Instance, []uint64) ([]uint64, error) {
				return nil, nil
			}))

	_, err := m.ExportedFunction("add").Call(testCtx, 1)
	require.EqualError(t, err, "expected 2 params, but passed 1")
	_, err = m.ExportedFunction("add").Call(testCtx, 1, 2, 3)
	require.EqualError(t, err, "expected 2 params, but passed 3")

	// Host errors pass through the call chain unwrapped.
	_, err = m.ExportedFunction("call_boom").Call(testCtx)
	require.ErrorIs(t, err, hostErr)

	// A host function must honor its declared result count, whether it is
	// entered from module code or from a re-exported function.
	_, err = m.ExportedFunction("call_short").Call(testCtx)
	require.EqualError(t, err, "import[1]: host function returned 0 results, expected 1")
	_, err = m.ExportedFunction("short").Call(testCtx)
	require.EqualError(t, err, "host function returned 0 results, expected 1")

	require.NoError(t, m.Close(testCtx))
	_, err = m.ExportedFunction("add").Call(testCtx, 1, 2)
	require.EqualError(t, err, "instance is closed")
	require.NoError(t, m.Close(testCtx))
}
