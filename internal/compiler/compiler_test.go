package compiler

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moltenwasm/molten/codegen"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// stubGenerator emits a deterministic filler body per function with a fixed
// relocation layout, enough to drive layout and relocation resolution.
type stubGenerator struct {
	failAt ir.Index
	fail   bool
}

func (g *stubGenerator) Generate(_ context.Context, mod *ir.Module, index ir.Index, _ types.Target) (*codegen.Blob, error) {
	if g.fail && index == g.failAt {
		return nil, errors.New("unsupported opcode")
	}
	blob := &codegen.Blob{Code: make([]byte, 20+4*int(index))}
	for i := range blob.Code {
		blob.Code[i] = byte(0xCC)
	}
	switch index {
	case 0:
		blob.ROData = []byte{1, 2, 3, 4, 5}
		blob.Relocs = []types.Relocation{
			{Offset: 2, Kind: types.RelocData, Index: 0, Addend: 1},
		}
	case 1:
		// Call back to function 0, module function space counts the import
		// first.
		blob.Relocs = []types.Relocation{
			{Offset: 2, Kind: types.RelocFunction, Index: mod.ImportedFunctionCount()},
		}
	case 2:
		blob.Relocs = []types.Relocation{
			{Offset: 4, Kind: types.RelocImport, Index: 0},
			{Offset: 12, Kind: types.RelocLibcall, Index: uint32(types.LibCallMemorySize)},
		}
	}
	return blob, nil
}

func testModule() *ir.Module {
	return &ir.Module{
		Name: "layout",
		Types: []types.FunctionSignature{
			types.Sig([]types.ValueKind{types.ValueKindI32}, []types.ValueKind{types.ValueKindI32}),
			types.Sig(nil, nil),
			// Same shape as type 0, must collapse in the artifact.
			types.Sig([]types.ValueKind{types.ValueKindI32}, []types.ValueKind{types.ValueKindI32}),
		},
		Imports: []ir.Import{
			{Module: "env", Name: "mul", Kind: ir.ExternKindFunc, DescFunc: 0},
		},
		Functions: []ir.Function{
			{Type: 0, Body: []byte{1}},
			{Type: 2, Body: []byte{2}},
			{Type: 1, Body: []byte{3}},
		},
		Memories: []ir.MemoryType{{Min: 1}},
		Exports: []ir.Export{
			{Name: "run", Kind: ir.ExternKindFunc, Index: 2},
		},
	}
}

func testTarget(t *testing.T) types.Target {
	target, err := types.NewTarget(types.ArchAMD64, 0, types.CallConvSystemV)
	require.NoError(t, err)
	return target
}

func TestCompileLayout(t *testing.T) {
	art, err := Compile(context.Background(), testModule(), &stubGenerator{}, testTarget(t), Config{Workers: 1})
	require.NoError(t, err)

	// Function code is 20, 24 and 28 bytes, each aligned up to 16, followed
	// by function 0's aligned read-only data.
	require.Equal(t, uint64(0), art.Functions[0].Offset)
	require.Equal(t, uint64(32), art.Functions[1].Offset)
	require.Equal(t, uint64(64), art.Functions[2].Offset)
	require.Equal(t, uint64(96), art.Functions[0].RODataOffset)
	require.Equal(t, uint64(5), art.Functions[0].RODataLen)
	require.Equal(t, 101, len(art.Region))
	require.Equal(t, []byte{1, 2, 3, 4, 5}, art.Region[96:101])

	// Structural deduplication: types 0 and 2 collapse onto one entry.
	require.Len(t, art.Signatures, 2)
	require.Equal(t, art.Functions[0].Signature, art.Functions[1].Signature)
	require.NotEqual(t, art.Functions[0].Signature, art.Functions[2].Signature)
	require.Equal(t, "i32_i32", art.Signatures[art.Imports[0].Signature].Key())

	require.Equal(t, ModuleID(testModule()), art.ModuleID)
}

func TestCompileResolvesInternalCalls(t *testing.T) {
	art, err := Compile(context.Background(), testModule(), &stubGenerator{}, testTarget(t), Config{})
	require.NoError(t, err)

	// Function 1 calls function 0: displacement from the end of the 4-byte
	// site at region offset 34 back to offset 0.
	site := art.Functions[1].Offset + 2
	disp := int32(binary.LittleEndian.Uint32(art.Region[site:]))
	require.Equal(t, int32(0)-int32(site+4), disp)

	// The resolved call does not stay pending, the others do.
	require.Empty(t, art.Functions[1].Relocs)
	require.Len(t, art.Functions[0].Relocs, 1)
	require.Equal(t, types.RelocData, art.Functions[0].Relocs[0].Kind)
	require.Len(t, art.Functions[2].Relocs, 2)
	require.Equal(t, types.RelocImport, art.Functions[2].Relocs[0].Kind)
	require.Equal(t, types.RelocLibcall, art.Functions[2].Relocs[1].Kind)
}

func TestCompileDeterministicAcrossWorkers(t *testing.T) {
	serial, err := Compile(context.Background(), testModule(), &stubGenerator{}, testTarget(t), Config{Workers: 1})
	require.NoError(t, err)
	parallel, err := Compile(context.Background(), testModule(), &stubGenerator{}, testTarget(t), Config{Workers: 8})
	require.NoError(t, err)
	require.Equal(t, serial, parallel)

	again, err := Compile(context.Background(), testModule(), &stubGenerator{}, testTarget(t), Config{Workers: 8})
	require.NoError(t, err)
	require.Equal(t, parallel, again)
}

func TestCompileErrorNamesFunction(t *testing.T) {
	_, err := Compile(context.Background(), testModule(), &stubGenerator{fail: true, failAt: 2}, testTarget(t), Config{Workers: 4})
	require.Error(t, err)
	compileErr, ok := err.(*types.CompileError)
	require.True(t, ok)
	require.True(t, compileErr.HasIndex)
	// Local function 2 is module function 3 behind the import.
	require.Equal(t, uint32(3), compileErr.Index)
	require.Contains(t, compileErr.Error(), "compilation failed at function[3]")
}

func TestCompileHeadless(t *testing.T) {
	_, err := Compile(context.Background(), testModule(), nil, testTarget(t), Config{})
	require.Error(t, err)
	compileErr, ok := err.(*types.CompileError)
	require.True(t, ok)
	require.False(t, compileErr.HasIndex)
	require.Contains(t, compileErr.Error(), "headless")
}

func TestCompileInvalidModule(t *testing.T) {
	mod := testModule()
	mod.Exports[0].Index = 99
	_, err := Compile(context.Background(), mod, &stubGenerator{}, testTarget(t), Config{})
	require.Error(t, err)
	_, ok := err.(*types.CompileError)
	require.True(t, ok)
}

// relocToImport targets an imported function with a direct call relocation,
// which the compiler must refuse rather than guess an address for.
type relocToImport struct{ stubGenerator }

func (g *relocToImport) Generate(ctx context.Context, mod *ir.Module, index ir.Index, target types.Target) (*codegen.Blob, error) {
	blob, err := g.stubGenerator.Generate(ctx, mod, index, target)
	if err != nil {
		return nil, err
	}
	if index == 0 {
		blob.Relocs = []types.Relocation{{Offset: 2, Kind: types.RelocFunction, Index: 0}}
	}
	return blob, nil
}

func TestCompileRejectsDirectCallToImport(t *testing.T) {
	_, err := Compile(context.Background(), testModule(), &relocToImport{}, testTarget(t), Config{Workers: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "import relocations")
}

func TestCompileEmptyModule(t *testing.T) {
	mod := &ir.Module{}
	art, err := Compile(context.Background(), mod, &stubGenerator{}, testTarget(t), Config{})
	require.NoError(t, err)
	require.Empty(t, art.Functions)
	require.Empty(t, art.Region)
	require.NoError(t, art.Validate())
}
