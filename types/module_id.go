package types

import "github.com/mr-tron/base58"

// ModuleIDSize is the byte length of a ModuleID.
const ModuleIDSize = 32

// ModuleID is the content hash of a module's canonical encoding. Two modules
// with equal IDs compile to identical artifacts, which makes the ID the
// engine's compile-cache key.
type ModuleID [ModuleIDSize]byte

// String renders the ID in base58, the form used in logs and file names.
func (id ModuleID) String() string {
	return base58.Encode(id[:])
}

// ParseModuleID decodes the base58 form produced by String.
func ParseModuleID(s string) (ModuleID, error) {
	var id ModuleID
	b, err := base58.Decode(s)
	if err != nil {
		return id, err
	}
	if len(b) != ModuleIDSize {
		return id, &SerializationError{Reason: "module id must decode to 32 bytes"}
	}
	copy(id[:], b)
	return id, nil
}
