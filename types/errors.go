package types

import "fmt"

// ConfigurationError reports an invalid target or engine configuration,
// surfaced while building an engine, never later.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

// CompileError reports a failed module compilation. Any single function's
// failure is fatal to the whole compile; Index names the function in module
// function space when the failure is per-function, and HasIndex is false for
// module-level failures such as compiling with a headless engine.
type CompileError struct {
	Index    uint32
	HasIndex bool
	Err      error
}

func (e *CompileError) Error() string {
	if e.HasIndex {
		return fmt.Sprintf("compilation failed at function[%d]: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("compilation failed: %v", e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// TrampolineError reports a signature shape the calling-convention bridge
// cannot express. It is fatal to the compile that requested the trampoline.
type TrampolineError struct {
	Signature FunctionSignature
	Reason    string
}

func (e *TrampolineError) Error() string {
	return fmt.Sprintf("trampoline[%s]: %s", e.Signature.Key(), e.Reason)
}

// SerializationError reports a malformed artifact container. Deserialization
// aborts on the first defect and never returns a partial artifact.
type SerializationError struct {
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact container: %s: %v", e.Reason, e.Err)
	}
	return "artifact container: " + e.Reason
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TargetMismatchError reports an artifact whose recorded target differs from
// the loading engine's. The artifact decoded correctly but must not execute.
type TargetMismatchError struct {
	Artifact Target
	Engine   Target
}

func (e *TargetMismatchError) Error() string {
	return fmt.Sprintf("artifact compiled for %s cannot load on engine configured for %s", e.Artifact, e.Engine)
}

// LinkError reports a missing import or an import whose host-provided value
// does not match the declared shape. Instantiation aborts without leaving
// partially allocated state; the artifact stays valid for a retry with
// corrected imports.
type LinkError struct {
	Module string
	Name   string
	Reason string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("import[%s.%s]: %s", e.Module, e.Name, e.Reason)
}

// InstantiationError reports a failure after linking succeeded: a trap while
// running the start function, or a resource limit hit while allocating
// memories or tables.
type InstantiationError struct {
	Err error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("instantiation failed: %v", e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }
