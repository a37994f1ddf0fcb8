//go:build !linux

package mmap

import "github.com/pkg/errors"

// DevMem is only available on Linux; elsewhere the returned OpenFunc
// always fails.
func DevMem(path string, blockSize int) OpenFunc {
	return func() (Mapper, error) {
		return nil, &DeviceOpenError{Path: path, Err: errors.New("physical memory mapping requires linux")}
	}
}
