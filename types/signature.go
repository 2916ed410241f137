package types

import "strings"

// FunctionSignature is the ordered parameter and result kinds of a function.
// Signatures are compared structurally: two functions with equal kinds share
// one trampoline per direction.
type FunctionSignature struct {
	Params, Results []ValueKind
}

// Sig is a convenience constructor for literal signatures.
func Sig(params []ValueKind, results []ValueKind) FunctionSignature {
	return FunctionSignature{Params: params, Results: results}
}

// Key returns the canonical string form used to deduplicate signatures, for
// example "i32i64_f64". An empty side renders as "v".
func (s FunctionSignature) Key() string {
	var b strings.Builder
	if len(s.Params) == 0 {
		b.WriteString("v")
	}
	for _, p := range s.Params {
		b.WriteString(p.String())
	}
	b.WriteString("_")
	if len(s.Results) == 0 {
		b.WriteString("v")
	}
	for _, r := range s.Results {
		b.WriteString(r.String())
	}
	return b.String()
}

// String implements fmt.Stringer.
func (s FunctionSignature) String() string {
	return s.Key()
}

// Equal returns true if both sides have identical parameter and result kinds.
func (s FunctionSignature) Equal(other FunctionSignature) bool {
	if len(s.Params) != len(other.Params) || len(s.Results) != len(other.Results) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != other.Params[i] {
			return false
		}
	}
	for i := range s.Results {
		if s.Results[i] != other.Results[i] {
			return false
		}
	}
	return true
}

// Valid returns true if every parameter and result kind is supported.
func (s FunctionSignature) Valid() bool {
	for _, p := range s.Params {
		if !p.Valid() {
			return false
		}
	}
	for _, r := range s.Results {
		if !r.Valid() {
			return false
		}
	}
	return true
}
