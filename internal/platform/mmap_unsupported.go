//go:build !unix

package platform

import (
	"fmt"
	"runtime"
)

var errUnsupported = fmt.Errorf("executable memory is not supported on %s", runtime.GOOS)

func mmapCodeSegment(int) ([]byte, error) {
	return nil, errUnsupported
}

func mprotectRX([]byte) error {
	return errUnsupported
}

func munmapCodeSegment([]byte) error {
	return errUnsupported
}
