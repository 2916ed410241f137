// Package trampoline generates the calling-convention bridges between host
// native code and the engine's uniform wasm-side convention.
//
// The wasm-side convention passes every call through a context pointer and a
// *uint64 value vector: arguments in order, result written back to slot 0.
// A HostToWasm stub unpacks the vector into the target convention's
// registers and stack; a WasmToHost stub does the inverse and forwards to a
// dispatcher function read from the context's first word.
//
// Signatures are unbounded in principle, so stubs are generated lazily, once
// per (direction, signature) key, and shared by every artifact the owning
// engine compiles or loads.
package trampoline

import (
	"fmt"
	"sync"

	"github.com/moltenwasm/molten/internal/loader"
	"github.com/moltenwasm/molten/types"
)

// Direction names which side of the bridge a stub adapts.
type Direction byte

const (
	// HostToWasm marshals host-native arguments into the wasm-side
	// convention and enters a compiled function.
	HostToWasm Direction = 0
	// WasmToHost packs native-convention arguments into a value vector and
	// forwards to the host dispatcher, used for imported functions and
	// libcalls.
	WasmToHost Direction = 1
)

func (d Direction) String() string {
	if d == HostToWasm {
		return "host-to-wasm"
	}
	return "wasm-to-host"
}

// Generate emits the stub code for one (direction, signature) pair on the
// given target. The result depends only on the inputs: equal inputs yield
// byte-identical code.
func Generate(dir Direction, sig types.FunctionSignature, target types.Target) ([]byte, error) {
	if !sig.Valid() {
		return nil, &types.TrampolineError{Signature: sig, Reason: "unsupported value kind"}
	}
	if len(sig.Results) > 1 {
		return nil, &types.TrampolineError{
			Signature: sig,
			Reason:    fmt.Sprintf("cannot bridge %d results, at most one is supported", len(sig.Results)),
		}
	}
	switch target.Arch() {
	case types.ArchAMD64:
		return generateAMD64(dir, sig, target.CallConv())
	case types.ArchARM64:
		return generateARM64(dir, sig)
	}
	return nil, &types.TrampolineError{Signature: sig, Reason: "unsupported architecture " + target.Arch().String()}
}

// Stub is one generated, loaded bridge. Immutable after creation.
type Stub struct {
	Direction Direction
	Signature types.FunctionSignature
	// Code is the generated byte sequence, before loading.
	Code []byte

	addr   uintptr
	handle *loader.Handle
}

// Addr returns the stub's executable address.
func (s *Stub) Addr() uintptr { return s.addr }

type stubKey struct {
	dir Direction
	sig string
}

// Cache holds every stub an engine has generated, keyed by direction and
// structural signature. Exactly one stub exists per key for the cache's
// lifetime.
type Cache struct {
	target types.Target
	ld     *loader.Loader

	mu    sync.Mutex
	stubs map[stubKey]*Stub
}

// NewCache returns an empty stub cache generating for target and loading
// through ld.
func NewCache(target types.Target, ld *loader.Loader) *Cache {
	return &Cache{target: target, ld: ld, stubs: map[stubKey]*Stub{}}
}

// Stub returns the cached stub for the key, generating and loading it on
// first use. The check-then-insert runs under the cache mutex so concurrent
// requests for one signature still generate exactly once.
func (c *Cache) Stub(dir Direction, sig types.FunctionSignature) (*Stub, error) {
	key := stubKey{dir: dir, sig: sig.Key()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stubs[key]; ok {
		return s, nil
	}

	code, err := Generate(dir, sig, c.target)
	if err != nil {
		return nil, err
	}
	h, err := c.ld.Load(&loader.Object{Code: code}, nil)
	if err != nil {
		return nil, err
	}
	s := &Stub{
		Direction: dir,
		Signature: sig,
		Code:      code,
		addr:      h.Base(),
		handle:    h,
	}
	c.stubs[key] = s
	return s, nil
}

// Lookup returns the cached stub without generating.
func (c *Cache) Lookup(dir Direction, sig types.FunctionSignature) (*Stub, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stubs[stubKey{dir: dir, sig: sig.Key()}]
	return s, ok
}

// Size returns the number of cached stubs.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stubs)
}

// Close unloads every stub. The cache must not be used afterwards.
func (c *Cache) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, s := range c.stubs {
		if e := c.ld.Unload(s.handle); e != nil && err == nil {
			err = e
		}
		delete(c.stubs, k)
	}
	return
}
