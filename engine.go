// Package molten compiles WebAssembly modules ahead of time into loadable
// native artifacts and instantiates them without recompiling. The engine owns
// layout, relocation, the artifact container, calling-convention bridges and
// instance linking; parsing wasm into ir.Module and generating machine code
// per function are the embedder's collaborators (see codegen).
package molten

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/moltenwasm/molten/codegen"
	"github.com/moltenwasm/molten/internal/artifact"
	"github.com/moltenwasm/molten/internal/artifactcache"
	"github.com/moltenwasm/molten/internal/compiler"
	"github.com/moltenwasm/molten/internal/dylib"
	"github.com/moltenwasm/molten/internal/loader"
	"github.com/moltenwasm/molten/internal/platform"
	"github.com/moltenwasm/molten/internal/trampoline"
	"github.com/moltenwasm/molten/ir"
	"github.com/moltenwasm/molten/types"
)

var errEngineClosed = errors.New("engine is closed")

// Engine compiles modules for one fixed target and instantiates the results.
// All methods are safe for concurrent use.
type Engine struct {
	target  types.Target
	gen     codegen.Generator
	invoker codegen.Invoker
	workers int
	logger  *zap.Logger

	ld       *loader.Loader
	stubs    *trampoline.Cache
	libcalls [types.NumLibCalls]*trampoline.Stub
	// persist is the configured artifact store, nil without one.
	persist artifactcache.Cache

	mu        sync.Mutex
	artifacts map[types.ModuleID]*Artifact
	compiling map[types.ModuleID]*inflight
	closed    bool

	// allocations counts the memories, tables and globals this engine's
	// instances have allocated. Link failures must leave it untouched.
	allocations atomic.Uint64
}

// inflight is a compilation other callers of the same module content wait on
// instead of compiling again.
type inflight struct {
	done     chan struct{}
	artifact *Artifact
	err      error
}

// NewEngine builds an Engine from config. The target defaults to the current
// process and is overridden by WithTarget, WithCPUFeatures and WithCallConv.
// Configuration mistakes surface here as types.ConfigurationError, never
// later.
func NewEngine(ctx context.Context, config *EngineConfig) (*Engine, error) {
	if config == nil {
		config = NewEngineConfig()
	}

	target := config.target
	if !config.hasTarget {
		var err error
		if target, err = platform.HostTarget(); err != nil {
			return nil, err
		}
	}
	if config.hasFeatures || config.callConv != 0 {
		features := target.Features()
		if config.hasFeatures {
			features = config.features
		}
		callConv := target.CallConv()
		if config.callConv != 0 {
			callConv = config.callConv
		}
		var err error
		if target, err = types.NewTarget(target.Arch(), features, callConv); err != nil {
			return nil, err
		}
	}
	if target.Zero() {
		return nil, &types.ConfigurationError{Reason: "engine target is not set"}
	}
	if config.invoker == nil {
		return nil, &types.ConfigurationError{Reason: "an invoker is required to execute loaded code"}
	}
	if config.workers < 0 {
		return nil, &types.ConfigurationError{Reason: fmt.Sprintf("compilation workers must not be negative, have %d", config.workers)}
	}

	e := &Engine{
		target:    target,
		gen:       config.gen,
		invoker:   config.invoker,
		workers:   config.workers,
		logger:    config.logger,
		ld:        loader.New(),
		artifacts: map[types.ModuleID]*Artifact{},
		compiling: map[types.ModuleID]*inflight{},
	}
	if config.cache != nil {
		e.persist = config.cache.backend()
	}
	e.stubs = trampoline.NewCache(target, e.ld)

	// Generated code reaches the runtime's memory, table and trap routines
	// through a fixed stub block, one bridge per libcall, shared by every
	// artifact this engine loads.
	for i := 0; i < types.NumLibCalls; i++ {
		call := types.LibCall(i)
		s, err := e.stubs.Stub(trampoline.WasmToHost, call.Signature())
		if err != nil {
			_ = e.stubs.Close()
			return nil, fmt.Errorf("generate %s stub: %w", call, err)
		}
		e.libcalls[i] = s
	}

	e.logger.Debug("engine ready",
		zap.String("target", target.String()),
		zap.Bool("headless", e.gen == nil),
		zap.Bool("persistent_cache", e.persist != nil))
	return e, nil
}

// Target returns the engine's fixed compilation target. Artifacts from other
// targets are rejected at deserialization.
func (e *Engine) Target() types.Target { return e.target }

// Compile turns a validated module into an artifact for the engine's target.
//
// Compilation happens at most once per distinct module content for the
// engine's lifetime: concurrent calls with equal content share one run, and
// later calls return the cached artifact. With a persistent cache configured,
// the artifact is also read from and written to it.
func (e *Engine) Compile(ctx context.Context, mod *ir.Module) (*Artifact, error) {
	if e.gen == nil {
		return nil, &types.CompileError{Err: errors.New("engine is headless, no code generator is configured")}
	}
	if err := mod.Validate(); err != nil {
		return nil, &types.CompileError{Err: err}
	}
	id := compiler.ModuleID(mod)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errEngineClosed
	}
	if a, ok := e.artifacts[id]; ok {
		e.mu.Unlock()
		e.logger.Debug("compile cache hit", zap.String("module", id.String()))
		return a, nil
	}
	if in, ok := e.compiling[id]; ok {
		e.mu.Unlock()
		<-in.done
		return in.artifact, in.err
	}
	in := &inflight{done: make(chan struct{})}
	e.compiling[id] = in
	e.mu.Unlock()

	a, err := e.compileOrFetch(ctx, mod, id)

	e.mu.Lock()
	delete(e.compiling, id)
	if err == nil && !e.closed {
		if existing, ok := e.artifacts[id]; ok {
			// Deserialize raced us with the same content; its artifact wins
			// and ours is discarded.
			a = existing
		} else {
			e.artifacts[id] = a
		}
	}
	e.mu.Unlock()

	in.artifact, in.err = a, err
	close(in.done)
	return a, err
}

// compileOrFetch runs while the module's inflight entry is published: exactly
// one caller per content executes it.
func (e *Engine) compileOrFetch(ctx context.Context, mod *ir.Module, id types.ModuleID) (*Artifact, error) {
	if e.persist != nil {
		if a, ok := e.fetchPersisted(id); ok {
			return a, nil
		}
	}

	art, err := compiler.Compile(ctx, mod, e.gen, e.target, compiler.Config{Workers: e.workers, Logger: e.logger})
	if err != nil {
		return nil, err
	}
	// Imported functions are reached through per-signature bridges. Generate
	// them now so an unbridgeable signature fails the compile, not a later
	// load.
	for i := range art.Imports {
		if art.Imports[i].Kind != ir.ExternKindFunc {
			continue
		}
		if _, err := e.stubs.Stub(trampoline.WasmToHost, art.Signatures[art.Imports[i].Signature]); err != nil {
			return nil, err
		}
	}

	if e.persist != nil {
		e.addPersisted(id, art)
	}
	return &Artifact{eng: e, art: art, refs: 1}, nil
}

// persistKey derives the store key for one module content on one target. The
// same module compiled for different targets must not collide.
func (e *Engine) persistKey(id types.ModuleID) artifactcache.Key {
	b := make([]byte, 0, types.ModuleIDSize+types.TargetDescriptorSize)
	b = append(b, id[:]...)
	b = e.target.AppendDescriptor(b)
	return blake3.Sum256(b)
}

// fetchPersisted returns the cached artifact for id, or false on a miss. An
// entry that no longer decodes, or that decodes for the wrong module or
// target, is deleted and treated as a miss so it is rebuilt.
func (e *Engine) fetchPersisted(id types.ModuleID) (*Artifact, bool) {
	key := e.persistKey(id)
	content, ok, err := e.persist.Get(key)
	if err != nil {
		e.logger.Warn("artifact cache read failed", zap.String("module", id.String()), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	data, err := io.ReadAll(content)
	if cerr := content.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		e.logger.Warn("artifact cache read failed", zap.String("module", id.String()), zap.Error(err))
		return nil, false
	}

	art, err := dylib.Decode(data)
	if err == nil && art.ModuleID != id {
		err = fmt.Errorf("cache entry holds module %s", art.ModuleID)
	}
	if err == nil && !art.Target.Compatible(e.target) {
		err = &types.TargetMismatchError{Artifact: art.Target, Engine: e.target}
	}
	if err != nil {
		e.logger.Warn("dropping stale artifact cache entry", zap.String("module", id.String()), zap.Error(err))
		_ = e.persist.Delete(key)
		return nil, false
	}

	e.logger.Debug("artifact cache hit", zap.String("module", id.String()))
	return &Artifact{eng: e, art: art, refs: 1}, true
}

// addPersisted writes one compiled artifact to the store. Failures only cost
// the next process a recompile, so they are logged, not returned.
func (e *Engine) addPersisted(id types.ModuleID, art *artifact.Artifact) {
	data := dylib.Encode(art)
	if err := e.persist.Add(e.persistKey(id), bytes.NewReader(data)); err != nil {
		e.logger.Warn("artifact cache write failed", zap.String("module", id.String()), zap.Error(err))
		return
	}
	e.logger.Debug("artifact cached", zap.String("module", id.String()), zap.Int("container_bytes", len(data)))
}

// Deserialize reconstructs an artifact from its container bytes, typically
// produced by Artifact.Serialize in an earlier process. The container is
// fully validated (types.SerializationError on any defect) and its recorded
// target must equal the engine's (types.TargetMismatchError otherwise). The
// code region is not executable until the artifact is instantiated.
func (e *Engine) Deserialize(data []byte) (*Artifact, error) {
	art, err := dylib.Decode(data)
	if err != nil {
		return nil, err
	}
	if !art.Target.Compatible(e.target) {
		return nil, &types.TargetMismatchError{Artifact: art.Target, Engine: e.target}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errEngineClosed
	}
	if existing, ok := e.artifacts[art.ModuleID]; ok {
		// Same content is already tracked; the fresh decode is discarded.
		e.mu.Unlock()
		return existing, nil
	}
	a := &Artifact{eng: e, art: art, refs: 1}
	e.artifacts[art.ModuleID] = a
	e.mu.Unlock()

	e.logger.Debug("artifact deserialized",
		zap.String("module", art.ModuleID.String()),
		zap.Int("functions", len(art.Functions)))
	return a, nil
}

// Unload drops the engine's reference to an artifact. The loaded code region
// is released once the last reference is gone, so live instances keep it
// mapped until they close. Unloading twice, or unloading while instances run,
// is safe.
func (e *Engine) Unload(a *Artifact) error {
	if a == nil {
		return nil
	}
	e.mu.Lock()
	tracked := e.artifacts[a.art.ModuleID] == a
	if tracked {
		delete(e.artifacts, a.art.ModuleID)
	}
	e.mu.Unlock()
	if !tracked {
		return nil
	}
	return a.unref()
}

// Close releases everything the engine owns: every loaded code region and the
// trampoline stubs. Instances and artifacts of this engine must not be used
// afterwards. Close does not close the configured Cache; its creator does.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	arts := make([]*Artifact, 0, len(e.artifacts))
	for id, a := range e.artifacts {
		arts = append(arts, a)
		delete(e.artifacts, id)
	}
	e.mu.Unlock()

	var firstErr error
	for _, a := range arts {
		if err := a.forceRelease(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.stubs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Debug("engine closed", zap.Int("artifacts", len(arts)))
	return firstErr
}

// load maps an artifact's region, patching every pending relocation with its
// load-time address before the region is sealed executable.
func (e *Engine) load(art *artifact.Artifact) (*loader.Handle, error) {
	// One bridge per function import signature; call sites are patched with
	// the bridge address and dispatch carries the import index.
	var importStubs []*trampoline.Stub
	for i := range art.Imports {
		if art.Imports[i].Kind != ir.ExternKindFunc {
			continue
		}
		s, err := e.stubs.Stub(trampoline.WasmToHost, art.Signatures[art.Imports[i].Signature])
		if err != nil {
			return nil, err
		}
		importStubs = append(importStubs, s)
	}

	// Exported functions double as the object's symbol table.
	obj := &loader.Object{Code: art.Region}
	imported := art.ImportedFunctionCount()
	for i := range art.Exports {
		exp := &art.Exports[i]
		if exp.Kind != ir.ExternKindFunc || exp.Index < imported {
			continue
		}
		obj.Symbols = append(obj.Symbols, loader.Symbol{
			Name:   exp.Name,
			Offset: art.Functions[exp.Index-imported].Offset,
		})
	}

	h, err := e.ld.Load(obj, func(region []byte, base uintptr) error {
		for i := range art.Functions {
			fn := &art.Functions[i]
			for _, rel := range fn.Relocs {
				var addr uintptr
				switch rel.Kind {
				case types.RelocImport:
					addr = importStubs[rel.Index].Addr()
				case types.RelocLibcall:
					addr = e.libcalls[rel.Index].Addr()
				case types.RelocData:
					owner := &art.Functions[rel.Index]
					addr = base + uintptr(owner.RODataOffset) + uintptr(rel.Addend)
				default:
					return fmt.Errorf("function[%d]: unexpected %s relocation at load time", i, rel.Kind)
				}
				binary.LittleEndian.PutUint64(region[fn.Offset+uint64(rel.Offset):], uint64(addr))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("artifact loaded",
		zap.String("module", art.ModuleID.String()),
		zap.Int("region_bytes", len(art.Region)),
		zap.Int("import_bridges", len(importStubs)))
	return h, nil
}
