package mmap

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotMapped     = errors.New("mmap: region not mapped")
	ErrInvalidLength = errors.New("mmap: invalid length")
	ErrMisplaced     = errors.New("mmap: kernel ignored the fixed address")
	ErrClosed        = errors.New("mmap: mapper closed")
)

// DeviceOpenError reports that the physical-memory device could not be
// opened, usually for lack of privilege or because it does not exist.
type DeviceOpenError struct {
	Path string
	Err  error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("failed to open %s: %v", e.Path, e.Err)
}

func (e *DeviceOpenError) Unwrap() error { return e.Err }

// AllocationError reports that the alignment buffer could not be obtained.
type AllocationError struct {
	Size int
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to reserve %d bytes: %v", e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// MappingError reports a failed mapping of a physical range.
type MappingError struct {
	Phys   uintptr
	Length int
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("failed to map 0x%x+%d: %v", e.Phys, e.Length, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
