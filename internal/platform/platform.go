// Package platform isolates the OS and CPU specific pieces the engine needs:
// executable memory mapping and host CPU feature detection.
package platform

import (
	"errors"
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/moltenwasm/molten/types"
)

// MmapCodeSegment allocates a read-write anonymous mapping of the given size,
// to be filled with code and then sealed with MprotectRX.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic(errors.New("BUG: MmapCodeSegment with zero length"))
	}
	return mmapCodeSegment(size)
}

// MprotectRX seals a mapping obtained from MmapCodeSegment: writable is
// dropped, executable is added.
func MprotectRX(b []byte) error {
	if len(b) == 0 {
		panic(errors.New("BUG: MprotectRX with zero length"))
	}
	return mprotectRX(b)
}

// MunmapCodeSegment unmaps a mapping obtained from MmapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: MunmapCodeSegment with zero length"))
	}
	return munmapCodeSegment(code)
}

// CpuFeatures returns the compact feature bitset of the host CPU, in the bit
// positions types.Target uses for runtime.GOARCH.
func CpuFeatures() uint64 {
	var ret uint64
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasSSE3 {
			ret |= types.FeatureAMD64SSE3
		}
		if cpu.X86.HasSSE41 {
			ret |= types.FeatureAMD64SSE41
		}
		if cpu.X86.HasSSE42 {
			ret |= types.FeatureAMD64SSE42
		}
		if cpu.X86.HasPOPCNT {
			ret |= types.FeatureAMD64ABM
		}
	case "arm64":
		// darwin and windows require ARMv8.1, which includes the atomic
		// instructions, but do not expose the feature registers.
		if cpu.ARM64.HasATOMICS || runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			ret |= types.FeatureARM64Atomic
		}
	}
	return ret
}

// HostArch returns the engine architecture of the current process, or false
// if it is not a supported compilation host.
func HostArch() (types.Arch, bool) {
	switch runtime.GOARCH {
	case "amd64":
		return types.ArchAMD64, true
	case "arm64":
		return types.ArchARM64, true
	}
	return 0, false
}

// HostCallConv returns the native calling convention of the current process.
func HostCallConv() types.CallConv {
	switch {
	case runtime.GOOS == "windows":
		return types.CallConvWindowsFastcall
	case runtime.GOOS == "darwin" && runtime.GOARCH == "arm64":
		return types.CallConvAppleARM64
	default:
		return types.CallConvSystemV
	}
}

// HostTarget composes the Target describing the current process.
func HostTarget() (types.Target, error) {
	arch, ok := HostArch()
	if !ok {
		return types.Target{}, &types.ConfigurationError{Reason: "unsupported host architecture " + runtime.GOARCH}
	}
	return types.NewTarget(arch, CpuFeatures(), HostCallConv())
}
