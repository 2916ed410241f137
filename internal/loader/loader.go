// Package loader centralizes mapping compiled code into executable memory.
// The OS view of loaded code is process-wide state, so every load and unload
// in the process goes through one serialized path, and each successful load
// is paired with exactly one unmap no matter how many times Unload is called.
package loader

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/moltenwasm/molten/internal/platform"
)

// Symbol names an offset within an object's code image.
type Symbol struct {
	Name   string
	Offset uint64
}

// Object is an in-memory shared-object image: the prelinked code region and
// the symbols it exports.
type Object struct {
	Code    []byte
	Symbols []Symbol
}

// Handle is a loaded object. It stays valid until Unload.
type Handle struct {
	l       *Loader
	code    []byte
	base    uintptr
	symbols map[string]uint64
	closed  bool
}

// Base returns the region's first address, or 0 for an empty object.
func (h *Handle) Base() uintptr { return h.base }

// Size returns the mapped length in bytes.
func (h *Handle) Size() int { return len(h.code) }

// Resolve returns the absolute address of a symbol.
func (h *Handle) Resolve(name string) (uintptr, error) {
	off, ok := h.symbols[name]
	if !ok {
		return 0, fmt.Errorf("symbol %q not found", name)
	}
	return h.base + uintptr(off), nil
}

// Loader owns every region this process has loaded. The zero value is ready
// to use.
type Loader struct {
	mu sync.Mutex
	// regions is kept sorted by base address for Lookup.
	regions []*Handle
}

// New returns an empty Loader.
func New() *Loader { return &Loader{} }

// Load maps obj's code, calls patch while the region is still writable so
// the caller can fill in load-time addresses, seals the region executable
// and registers it. A failure at any step releases the mapping.
func (l *Loader) Load(obj *Object, patch func(region []byte, base uintptr) error) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := &Handle{l: l, symbols: map[string]uint64{}}
	for _, s := range obj.Symbols {
		if uint64(len(obj.Code)) < s.Offset {
			return nil, fmt.Errorf("symbol %q offset %d beyond code size %d", s.Name, s.Offset, len(obj.Code))
		}
		if _, dup := h.symbols[s.Name]; dup {
			return nil, fmt.Errorf("symbol %q defined twice", s.Name)
		}
		h.symbols[s.Name] = s.Offset
	}

	if len(obj.Code) == 0 {
		// Nothing to map. The handle still participates in the unload
		// bookkeeping so callers need no special case.
		return h, nil
	}

	region, err := platform.MmapCodeSegment(len(obj.Code))
	if err != nil {
		return nil, err
	}
	copy(region, obj.Code)
	h.code = region
	h.base = uintptr(unsafe.Pointer(&region[0]))

	if patch != nil {
		if err := patch(region, h.base); err != nil {
			_ = platform.MunmapCodeSegment(region)
			return nil, err
		}
	}
	if err := platform.MprotectRX(region); err != nil {
		_ = platform.MunmapCodeSegment(region)
		return nil, err
	}

	i := sort.Search(len(l.regions), func(i int) bool { return l.regions[i].base >= h.base })
	l.regions = append(l.regions, nil)
	copy(l.regions[i+1:], l.regions[i:])
	l.regions[i] = h
	return h, nil
}

// Unload releases a handle. Safe to call more than once; only the first call
// unmaps.
func (l *Loader) Unload(h *Handle) error {
	if h == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.code == nil {
		return nil
	}
	for i, r := range l.regions {
		if r == h {
			l.regions = append(l.regions[:i], l.regions[i+1:]...)
			break
		}
	}
	code := h.code
	h.code = nil
	return platform.MunmapCodeSegment(code)
}

// Lookup resolves an absolute address to the loaded region containing it,
// returning the region bytes and the address's offset.
func (l *Loader) Lookup(addr uintptr) (region []byte, offset int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.regions), func(i int) bool { return l.regions[i].base > addr })
	if i == 0 {
		return nil, 0, false
	}
	h := l.regions[i-1]
	if off := addr - h.base; off < uintptr(len(h.code)) {
		return h.code, int(off), true
	}
	return nil, 0, false
}
