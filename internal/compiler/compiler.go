// Package compiler turns a validated module into an artifact: it runs the
// code generator over every local function, lays the results out into one
// region, resolves function-internal calls and leaves the remaining
// relocations pending for load time.
package compiler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/moltenwasm/molten/codegen"
	"github.com/moltenwasm/molten/internal/artifact"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

// Config tunes one compilation run.
type Config struct {
	// Workers caps the compilation goroutines. Zero or negative means one
	// per available CPU.
	Workers int
	Logger  *zap.Logger
}

// ModuleID derives the content identity of a module from its canonical
// encoding. Identical modules hash identically regardless of target.
func ModuleID(mod *ir.Module) types.ModuleID {
	return types.ModuleID(blake3.Sum256(mod.Canonical()))
}

// Compile compiles every local function of mod for target and assembles the
// artifact. The result is deterministic: the same module, generator and
// target produce a byte-identical artifact no matter how many workers run.
func Compile(ctx context.Context, mod *ir.Module, gen codegen.Generator, target types.Target, cfg Config) (*artifact.Artifact, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if gen == nil {
		return nil, &types.CompileError{Err: errors.New("engine is headless, no code generator is configured")}
	}
	if err := mod.Validate(); err != nil {
		return nil, &types.CompileError{Err: err}
	}

	begin := time.Now()
	imported := mod.ImportedFunctionCount()

	blobs, err := generateAll(ctx, mod, gen, target, cfg.Workers)
	if err != nil {
		return nil, err
	}

	signatures, sigIndexes := dedupSignatures(mod.Types)

	art := &artifact.Artifact{
		Target:     target,
		ModuleID:   ModuleID(mod),
		Signatures: signatures,
		Functions:  make([]artifact.Function, len(mod.Functions)),
		Memories:   mod.Memories,
		Tables:     mod.Tables,
		Globals:    mod.Globals,
		Data:       mod.Data,
		Elements:   mod.Elements,
		Start:      mod.Start,
	}
	for i := range mod.Imports {
		imp := &mod.Imports[i]
		out := artifact.Import{Module: imp.Module, Name: imp.Name, Kind: imp.Kind}
		switch imp.Kind {
		case ir.ExternKindFunc:
			out.Signature = sigIndexes[imp.DescFunc]
		case ir.ExternKindMemory:
			out.Memory = imp.DescMem
		case ir.ExternKindTable:
			out.Table = imp.DescTable
		case ir.ExternKindGlobal:
			out.Global = imp.DescGlobal
		}
		art.Imports = append(art.Imports, out)
	}
	for i := range mod.Exports {
		exp := &mod.Exports[i]
		art.Exports = append(art.Exports, artifact.Export{Name: exp.Name, Kind: exp.Kind, Index: exp.Index})
	}

	// Lay out all code first, then the read-only data, each function
	// aligned to 16 bytes.
	var r relocator
	for i, blob := range blobs {
		fn := &art.Functions[i]
		fn.Signature = sigIndexes[mod.Functions[i].Type]
		fn.Offset = uint64(r.append(len(blob.Code)))
		fn.CodeLen = uint64(len(blob.Code))
	}
	for i, blob := range blobs {
		if len(blob.ROData) == 0 {
			continue
		}
		fn := &art.Functions[i]
		fn.RODataOffset = uint64(r.append(len(blob.ROData)))
		fn.RODataLen = uint64(len(blob.ROData))
	}

	region := make([]byte, r.totalSize)
	for i, blob := range blobs {
		fn := &art.Functions[i]
		copy(region[fn.Offset:], blob.Code)
		copy(region[fn.RODataOffset:], blob.ROData)
	}
	art.Region = region

	for i, blob := range blobs {
		if err := resolveRelocations(art, imported, uint32(i), blob.Relocs); err != nil {
			return nil, err
		}
	}

	// The generator is outside the trust boundary, so the assembled result
	// is checked once before anyone serializes or loads it.
	if err := art.Validate(); err != nil {
		return nil, &types.CompileError{Err: fmt.Errorf("generator produced an inconsistent artifact: %w", err)}
	}

	logger.Debug("compiled module",
		zap.String("module", art.ModuleID.String()),
		zap.Int("functions", len(art.Functions)),
		zap.Int("region_bytes", len(art.Region)),
		zap.Duration("elapsed", time.Since(begin)))
	return art, nil
}

// generateAll runs the generator over every local function, in order on one
// goroutine or fanned out over workers. Results are collected and processed
// in function order either way, so the layout does not depend on scheduling.
func generateAll(ctx context.Context, mod *ir.Module, gen codegen.Generator, target types.Target, workers int) ([]*codegen.Blob, error) {
	imported := mod.ImportedFunctionCount()
	blobs := make([]*codegen.Blob, len(mod.Functions))
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(mod.Functions) {
		workers = len(mod.Functions)
	}

	if workers <= 1 {
		for i := range mod.Functions {
			blob, err := generateOne(ctx, mod, gen, target, i)
			if err != nil {
				return nil, &types.CompileError{Index: imported + uint32(i), HasIndex: true, Err: err}
			}
			blobs[i] = blob
		}
		return blobs, nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var count atomic.Uint32
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				i := int(count.Add(1)) - 1
				if i >= len(mod.Functions) {
					return
				}
				blob, err := generateOne(ctx, mod, gen, target, i)
				if err != nil {
					cancel(&types.CompileError{Index: imported + uint32(i), HasIndex: true, Err: err})
					return
				}
				blobs[i] = blob
			}
		}()
	}
	wg.Wait()
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	return blobs, nil
}

func generateOne(ctx context.Context, mod *ir.Module, gen codegen.Generator, target types.Target, i int) (*codegen.Blob, error) {
	blob, err := gen.Generate(ctx, mod, ir.Index(i), target)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, errors.New("generator returned no code")
	}
	return blob, nil
}

// dedupSignatures collapses the module type table structurally, preserving
// first-appearance order, and returns the type-index to signature-index map.
func dedupSignatures(moduleTypes []types.FunctionSignature) ([]types.FunctionSignature, []uint32) {
	indexes := make([]uint32, len(moduleTypes))
	byKey := make(map[string]uint32, len(moduleTypes))
	var unique []types.FunctionSignature
	for i, sig := range moduleTypes {
		key := sig.Key()
		if at, ok := byKey[key]; ok {
			indexes[i] = at
			continue
		}
		at := uint32(len(unique))
		byKey[key] = at
		unique = append(unique, sig)
		indexes[i] = at
	}
	return unique, indexes
}

// relocator assigns 16-byte aligned region offsets.
type relocator struct {
	totalSize int
}

func (r *relocator) append(size int) (offset int) {
	r.totalSize = (r.totalSize + 15) &^ 15
	offset = r.totalSize
	r.totalSize += size
	return
}

// resolveRelocations applies every function-internal call relocation of one
// function into the region as a 32-bit relative displacement and moves the
// rest onto the artifact's pending list.
func resolveRelocations(art *artifact.Artifact, imported, fn uint32, relocs []types.Relocation) error {
	f := &art.Functions[fn]
	for _, rel := range relocs {
		if rel.Kind != types.RelocFunction {
			f.Relocs = append(f.Relocs, rel)
			continue
		}
		fail := func(format string, args ...interface{}) error {
			return &types.CompileError{
				Index:    imported + fn,
				HasIndex: true,
				Err:      fmt.Errorf("relocation %s: "+format, append([]interface{}{rel}, args...)...),
			}
		}
		if rel.Index < imported {
			return fail("target is an import, imported functions are reached through import relocations")
		}
		local := rel.Index - imported
		if int(local) >= len(art.Functions) {
			return fail("target function %d out of range", rel.Index)
		}
		if uint64(rel.Offset)+4 > f.CodeLen {
			return fail("patch site outside code of %#x bytes", f.CodeLen)
		}
		site := f.Offset + uint64(rel.Offset)
		disp := int64(art.Functions[local].Offset) + rel.Addend - int64(site+4)
		if disp > math.MaxInt32 || disp < math.MinInt32 {
			return fail("displacement %d does not fit in 32 bits", disp)
		}
		binary.LittleEndian.PutUint32(art.Region[site:], uint32(int32(disp)))
	}
	return nil
}
