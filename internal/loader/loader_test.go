//go:build unix

package loader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadResolveUnload(t *testing.T) {
	l := New()
	obj := &Object{
		Code: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		Symbols: []Symbol{
			{Name: "f0", Offset: 0},
			{Name: "f1", Offset: 4},
		},
	}

	var patchedBase uintptr
	h, err := l.Load(obj, func(region []byte, base uintptr) error {
		require.Equal(t, len(obj.Code), len(region))
		region[0] = 0xff // patching is allowed before sealing
		patchedBase = base
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, patchedBase, h.Base())

	addr, err := h.Resolve("f1")
	require.NoError(t, err)
	require.Equal(t, h.Base()+4, addr)

	_, err = h.Resolve("missing")
	require.Error(t, err)

	region, off, ok := l.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, 4, off)
	require.Equal(t, byte(0xff), region[0])

	require.NoError(t, l.Unload(h))
	// Idempotent.
	require.NoError(t, l.Unload(h))

	_, _, ok = l.Lookup(addr)
	require.False(t, ok)
}

func TestLoadPatchFailureReleasesMapping(t *testing.T) {
	l := New()
	boom := errors.New("patch failed")
	_, err := l.Load(&Object{Code: []byte{1, 2, 3}}, func([]byte, uintptr) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Empty(t, l.regions)
}

func TestLoadEmptyObject(t *testing.T) {
	l := New()
	h, err := l.Load(&Object{}, nil)
	require.NoError(t, err)
	require.Zero(t, h.Base())
	_, err = h.Resolve("anything")
	require.Error(t, err)
	require.NoError(t, l.Unload(h))
}

func TestLoadRejectsBadSymbols(t *testing.T) {
	l := New()
	_, err := l.Load(&Object{
		Code:    []byte{1},
		Symbols: []Symbol{{Name: "f", Offset: 8}},
	}, nil)
	require.Error(t, err)

	_, err = l.Load(&Object{
		Code:    []byte{1, 2, 3, 4},
		Symbols: []Symbol{{Name: "f", Offset: 0}, {Name: "f", Offset: 1}},
	}, nil)
	require.Error(t, err)
}

func TestLookupDistinguishesRegions(t *testing.T) {
	l := New()
	a, err := l.Load(&Object{Code: []byte{1, 1, 1, 1}}, nil)
	require.NoError(t, err)
	b, err := l.Load(&Object{Code: []byte{2, 2, 2, 2}}, nil)
	require.NoError(t, err)

	ra, _, ok := l.Lookup(a.Base() + 3)
	require.True(t, ok)
	require.Equal(t, byte(1), ra[0])
	rb, _, ok := l.Lookup(b.Base())
	require.True(t, ok)
	require.Equal(t, byte(2), rb[0])

	require.NoError(t, l.Unload(a))
	require.NoError(t, l.Unload(b))
}
