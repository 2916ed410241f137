//go:build unix

package platform

import "syscall"

func mmapCodeSegment(size int) ([]byte, error) {
	// Anonymous as this is not an actual file, private as this is an
	// in-process memory region.
	return syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE)
}

func mprotectRX(b []byte) error {
	return syscall.Mprotect(b, syscall.PROT_READ|syscall.PROT_EXEC)
}

func munmapCodeSegment(code []byte) error {
	return syscall.Munmap(code)
}
