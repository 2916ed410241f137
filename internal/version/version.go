// Package version reports the engine's own version, which participates in
// cache directory names so artifacts compiled by one release are never fed to
// another.
package version

import (
	"runtime/debug"
	"strings"
)

// Default is the version used when the build carries no module information,
// e.g. when the engine is built from a plain working tree.
const Default = "dev"

// version may be stamped at link time via -ldflags for release binaries.
var version string

// GetMoltenVersion returns the engine version: the ldflag-stamped value when
// present, otherwise the module version recorded in the caller's build info.
//
// The result is embedded in cache directory names, so suffixes that are
// awkward in file paths are cut.
func GetMoltenVersion() (ret string) {
	ret = version
	if ret == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, dep := range info.Deps {
				if dep.Path == "github.com/moltenwasm/molten" {
					ret = dep.Version
				}
			}
		}
	}

	if ret == "" || ret == "(devel)" {
		return Default
	}

	if i := strings.IndexByte(ret, '+'); i != -1 {
		ret = ret[:i]
	}
	return ret
}
