// Package artifactcache persists serialized artifact containers across
// processes. Entries are keyed by a hash covering both the module identity and
// the target descriptor, so a cache can never serve an artifact to an engine
// it was not compiled for.
package artifactcache

import "io"

// Key is the 256-bit identifier of one cache entry.
type Key = [32]byte

// Cache is a store of serialized artifact containers. Regardless of a
// configured Cache, compiled artifacts stay in memory for the lifetime of the
// engine that produced them; a Cache additionally shares them across engine
// instances and processes.
//
// Methods are called concurrently, so implementations must be goroutine-safe.
type Cache interface {
	// Get returns the content previously passed to Add under the same key,
	// unmodified. ok is false with a nil error when the key is absent. The
	// caller closes the returned content.
	//
	// Content served from here skips the code generation pass, not the
	// decoding one: the engine still validates the decoded artifact, and
	// purges the entry via Delete when it no longer decodes. Implementations
	// that distrust their storage may layer their own integrity checks on
	// top, e.g. sign on Add and verify on Get.
	Get(key Key) (content io.ReadCloser, ok bool, err error)
	// Add stores content under key, replacing any previous entry.
	Add(key Key, content io.Reader) (err error)
	// Delete purges the entry for key. Deleting an absent key is not an
	// error. The engine calls this when a stored entry fails to decode,
	// which happens when the cache outlives the engine version that wrote
	// it.
	Delete(key Key) (err error)
}
