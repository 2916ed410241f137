package molten

import (
	"errors"
	"sync"

	"github.com/moltenwasm/molten/internal/artifact"
	"github.com/moltenwasm/molten/internal/dylib"
	"github.com/moltenwasm/molten/internal/loader"
	"github.com/moltenwasm/molten/types"
)

// Artifact is a module compiled for one target, ready to instantiate. It is
// produced by Engine.Compile or Engine.Deserialize and stays usable until
// Engine.Unload drops it and its last instance closes.
//
// The native code region is mapped lazily on first instantiation and released
// when the last reference is gone. Serialize works regardless of load state.
type Artifact struct {
	eng *Engine
	art *artifact.Artifact

	mu sync.Mutex
	// refs counts the engine's table entry plus live instances. The loader
	// handle exists only while refs > 0.
	refs   int
	handle *loader.Handle
}

// ModuleID identifies the module content this artifact was compiled from.
func (a *Artifact) ModuleID() types.ModuleID { return a.art.ModuleID }

// Target returns the target the code region was generated for.
func (a *Artifact) Target() types.Target { return a.art.Target }

// Serialize encodes the artifact into its portable container form, the input
// Engine.Deserialize accepts. It never fails: a compiled artifact is always
// serializable.
func (a *Artifact) Serialize() []byte { return dylib.Encode(a.art) }

// acquire takes an instance reference, mapping the code region on the first
// one. The caller must pair it with unref.
func (a *Artifact) acquire() (*loader.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		return nil, errors.New("artifact is unloaded")
	}
	if a.handle == nil {
		h, err := a.eng.load(a.art)
		if err != nil {
			return nil, err
		}
		a.handle = h
	}
	a.refs++
	return a.handle, nil
}

// unref drops one reference and unmaps the region with the last one. Extra
// calls after the last reference are no-ops.
func (a *Artifact) unref() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		return nil
	}
	a.refs--
	if a.refs > 0 || a.handle == nil {
		return nil
	}
	h := a.handle
	a.handle = nil
	return a.eng.ld.Unload(h)
}

// forceRelease unmaps immediately regardless of references. Only Engine.Close
// uses it.
func (a *Artifact) forceRelease() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs = 0
	if a.handle == nil {
		return nil
	}
	h := a.handle
	a.handle = nil
	return a.eng.ld.Unload(h)
}
