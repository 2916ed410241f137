package types

import "fmt"

// Arch identifies the instruction set an artifact is compiled for.
type Arch uint16

const (
	ArchAMD64 Arch = 1
	ArchARM64 Arch = 2
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	}
	return fmt.Sprintf("arch(%d)", uint16(a))
}

// CallConv identifies the native calling convention generated code follows on
// the host side of the bridge.
type CallConv uint8

const (
	CallConvSystemV         CallConv = 1
	CallConvAppleARM64      CallConv = 2
	CallConvWindowsFastcall CallConv = 3
)

func (c CallConv) String() string {
	switch c {
	case CallConvSystemV:
		return "sysv"
	case CallConvAppleARM64:
		return "apple-arm64"
	case CallConvWindowsFastcall:
		return "fastcall"
	}
	return fmt.Sprintf("callconv(%d)", uint8(c))
}

// CPU feature bits, per architecture. The bit space is interpreted relative
// to the target's Arch, so the same bit position means different things on
// amd64 and arm64.
const (
	// amd64
	FeatureAMD64SSE3  uint64 = 1 << 0
	FeatureAMD64SSE41 uint64 = 1 << 1
	FeatureAMD64SSE42 uint64 = 1 << 2
	FeatureAMD64ABM   uint64 = 1 << 3

	// arm64
	FeatureARM64Atomic uint64 = 1 << 0
)

// featureMask returns the known feature bits for arch, or 0 for an unknown
// arch.
func featureMask(a Arch) uint64 {
	switch a {
	case ArchAMD64:
		return FeatureAMD64SSE3 | FeatureAMD64SSE41 | FeatureAMD64SSE42 | FeatureAMD64ABM
	case ArchARM64:
		return FeatureARM64Atomic
	}
	return 0
}

// Target describes the compilation target: architecture, CPU feature set,
// pointer width and calling convention. A Target is immutable after
// construction and two targets are compatible only if every field matches
// exactly. Code generated for a feature superset may use instructions a
// narrower CPU cannot execute, so a feature subset is never sufficient.
type Target struct {
	arch         Arch
	features     uint64
	pointerWidth uint8
	callConv     CallConv
}

// NewTarget builds a Target for the given architecture, feature bitset and
// calling convention. It returns a ConfigurationError if the architecture is
// unknown, the feature bits contain positions undefined for the architecture,
// or the calling convention is not valid for it.
func NewTarget(arch Arch, features uint64, callConv CallConv) (Target, error) {
	switch arch {
	case ArchAMD64, ArchARM64:
	default:
		return Target{}, &ConfigurationError{Reason: fmt.Sprintf("unknown architecture %d", arch)}
	}
	if unknown := features &^ featureMask(arch); unknown != 0 {
		return Target{}, &ConfigurationError{
			Reason: fmt.Sprintf("feature bits 0x%x are not defined for %s", unknown, arch),
		}
	}
	switch callConv {
	case CallConvSystemV, CallConvWindowsFastcall:
	case CallConvAppleARM64:
		if arch != ArchARM64 {
			return Target{}, &ConfigurationError{
				Reason: fmt.Sprintf("calling convention %s requires arm64, not %s", callConv, arch),
			}
		}
	default:
		return Target{}, &ConfigurationError{Reason: fmt.Sprintf("unknown calling convention %d", callConv)}
	}
	return Target{arch: arch, features: features, pointerWidth: 8, callConv: callConv}, nil
}

// Arch returns the target architecture.
func (t Target) Arch() Arch { return t.arch }

// Features returns the CPU feature bitset.
func (t Target) Features() uint64 { return t.features }

// PointerWidth returns the pointer size in bytes.
func (t Target) PointerWidth() uint8 { return t.pointerWidth }

// CallConv returns the native calling convention.
func (t Target) CallConv() CallConv { return t.callConv }

// HasFeature returns true if the feature bit is set.
func (t Target) HasFeature(bit uint64) bool { return t.features&bit != 0 }

// Compatible reports whether code compiled for t can be loaded by an engine
// configured with other. Every field must match exactly.
func (t Target) Compatible(other Target) bool {
	return t == other
}

// Zero returns true for the zero Target, which no engine accepts.
func (t Target) Zero() bool { return t == Target{} }

func (t Target) String() string {
	return fmt.Sprintf("%s-%s+%#x", t.arch, t.callConv, t.features)
}

// TargetDescriptorSize is the fixed width of an encoded Target in the
// artifact container.
const TargetDescriptorSize = 12

// AppendDescriptor appends the 12-byte little-endian encoding of t.
func (t Target) AppendDescriptor(b []byte) []byte {
	b = append(b, byte(t.arch), byte(t.arch>>8))
	b = append(b, t.pointerWidth, byte(t.callConv))
	f := t.features
	for i := 0; i < 8; i++ {
		b = append(b, byte(f>>(8*i)))
	}
	return b
}

// TargetFromDescriptor decodes a 12-byte descriptor previously produced by
// AppendDescriptor. The decoded value is validated as in NewTarget so a
// corrupted descriptor cannot smuggle in an unknown architecture.
func TargetFromDescriptor(b []byte) (Target, error) {
	if len(b) != TargetDescriptorSize {
		return Target{}, &SerializationError{Reason: fmt.Sprintf("target descriptor must be %d bytes, got %d", TargetDescriptorSize, len(b))}
	}
	arch := Arch(uint16(b[0]) | uint16(b[1])<<8)
	pw := b[2]
	cc := CallConv(b[3])
	var f uint64
	for i := 0; i < 8; i++ {
		f |= uint64(b[4+i]) << (8 * i)
	}
	t, err := NewTarget(arch, f, cc)
	if err != nil {
		return Target{}, &SerializationError{Reason: "invalid target descriptor", Err: err}
	}
	if pw != t.pointerWidth {
		return Target{}, &SerializationError{Reason: fmt.Sprintf("invalid pointer width %d in target descriptor", pw)}
	}
	return t, nil
}
