//go:build linux || darwin

package physmem

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errMmapUnsupported is never returned on platforms with mmap support.
var errMmapUnsupported = errors.New("physmem: mmap unsupported")

// mapAnon returns size bytes of zeroed, private, anonymous memory.
func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}
