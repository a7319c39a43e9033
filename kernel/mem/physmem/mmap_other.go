//go:build !linux && !darwin

package physmem

import "errors"

var errMmapUnsupported = errors.New("physmem: mmap unsupported")

func mapAnon(int) ([]byte, error) {
	return nil, errMmapUnsupported
}

func unmap([]byte) error {
	return nil
}
