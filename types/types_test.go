package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueKindString(t *testing.T) {
	for _, tc := range []struct {
		kind ValueKind
		exp  string
	}{
		{ValueKindI32, "i32"},
		{ValueKindI64, "i64"},
		{ValueKindF32, "f32"},
		{ValueKindF64, "f64"},
		{ValueKindRef, "ref"},
	} {
		require.Equal(t, tc.exp, tc.kind.String())
		require.True(t, tc.kind.Valid())
	}
	require.False(t, ValueKind(0x01).Valid())
}

func TestFunctionSignatureKey(t *testing.T) {
	for _, tc := range []struct {
		name string
		sig  FunctionSignature
		exp  string
	}{
		{name: "nullary", sig: Sig(nil, nil), exp: "v_v"},
		{name: "one param", sig: Sig([]ValueKind{ValueKindI32}, nil), exp: "i32_v"},
		{name: "one result", sig: Sig(nil, []ValueKind{ValueKindF64}), exp: "v_f64"},
		{
			name: "mixed",
			sig:  Sig([]ValueKind{ValueKindI32, ValueKindF32, ValueKindI64}, []ValueKind{ValueKindI32}),
			exp:  "i32f32i64_i32",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, tc.sig.Key())
		})
	}
}

func TestFunctionSignatureEqual(t *testing.T) {
	a := Sig([]ValueKind{ValueKindI32, ValueKindF64}, []ValueKind{ValueKindI64})
	b := Sig([]ValueKind{ValueKindI32, ValueKindF64}, []ValueKind{ValueKindI64})
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(Sig([]ValueKind{ValueKindI32}, []ValueKind{ValueKindI64})))
	require.False(t, a.Equal(Sig([]ValueKind{ValueKindI32, ValueKindF32}, []ValueKind{ValueKindI64})))
	require.False(t, a.Equal(Sig([]ValueKind{ValueKindI32, ValueKindF64}, nil)))
}

func TestTrapCodeRoundTrip(t *testing.T) {
	for c := TrapCode(0); c <= TrapUnalignedAtomic; c++ {
		parsed, err := ParseTrapCode(c.String())
		require.NoError(t, err)
		require.Equal(t, c, parsed)
		require.NotEqual(t, "unknown trap", c.Message())
	}
	_, err := ParseTrapCode("nonexistent")
	require.Error(t, err)
}

func TestTrapErrorMessage(t *testing.T) {
	err := &TrapError{Code: TrapIntegerDivisionByZero}
	require.EqualError(t, err, "integer divide by zero")
}

func TestLibCallSignatures(t *testing.T) {
	for l := LibCall(0); l < NumLibCalls; l++ {
		require.True(t, l.Valid())
		require.True(t, l.Signature().Valid(), l.String())
	}
	require.False(t, LibCall(NumLibCalls).Valid())
	require.Equal(t, "i32_i32", LibCallMemoryGrow.Signature().Key())
	require.Equal(t, "i32_v", LibCallRaiseTrap.Signature().Key())
}

func TestModuleIDString(t *testing.T) {
	var id ModuleID
	for i := range id {
		id[i] = byte(i)
	}
	parsed, err := ParseModuleID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseModuleID("tooshort")
	require.Error(t, err)
}
