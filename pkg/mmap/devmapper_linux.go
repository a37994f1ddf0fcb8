//go:build linux

package mmap

import (
	"log"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// munmap releases reservations; tests replace it to observe releases.
var munmap = unix.MunmapPtr

// DevMapper maps physical ranges of an open memory device onto
// page-aligned addresses inside an anonymous reservation.
type DevMapper struct {
	dev       *Device
	pageSize  int
	blockSize int

	mu     sync.Mutex
	closed bool
}

// NewDevMapper returns a mapper over dev. A blockSize of zero selects
// DefaultBlockSize.
func NewDevMapper(dev *Device, blockSize int) *DevMapper {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &DevMapper{
		dev:       dev,
		pageSize:  unix.Getpagesize(),
		blockSize: blockSize,
	}
}

// DevMem returns an OpenFunc that opens path and maps from it.
func DevMem(path string, blockSize int) OpenFunc {
	return func() (Mapper, error) {
		dev, err := Open(path)
		if err != nil {
			return nil, err
		}
		return NewDevMapper(dev, blockSize), nil
	}
}

// PageSize returns the host page size
func (m *DevMapper) PageSize() int {
	return m.pageSize
}

// Map maps [phys, phys+length) read/write and shared with the device.
func (m *DevMapper) Map(phys uintptr, length int) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &MappingError{Phys: phys, Length: length, Err: ErrClosed}
	}

	size, err := blockLen(length, m.blockSize, m.pageSize)
	if err != nil {
		return nil, &MappingError{Phys: phys, Length: length, Err: err}
	}

	// Reserve enough address space that a page-aligned run of size bytes
	// is guaranteed to fit inside it.
	reserve := size + m.pageSize - 1
	buf, err := unix.MmapPtr(-1, 0, nil, uintptr(reserve),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, &AllocationError{Size: reserve, Err: err}
	}
	release := func() error {
		return munmap(buf, uintptr(reserve))
	}

	aligned := AlignUp(uintptr(buf), m.pageSize)
	want := unsafe.Add(buf, aligned-uintptr(buf))

	got, err := unix.MmapPtr(m.dev.Fd(), int64(phys), want, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		m.discard(release)
		return nil, &MappingError{Phys: phys, Length: length, Err: err}
	}
	if got != want {
		m.discard(release)
		return nil, &MappingError{Phys: phys, Length: length, Err: ErrMisplaced}
	}

	log.Printf("Mapped %s 0x%x (%d bytes) at 0x%x", m.dev.Path(), phys, size, aligned)
	return &Region{
		phys:    phys,
		mem:     unsafe.Slice((*byte)(got), size),
		release: release,
	}, nil
}

func (m *DevMapper) discard(release func() error) {
	if err := release(); err != nil {
		log.Printf("Warning: failed to release reservation on %s: %v", m.dev.Path(), err)
	}
}

// Unmap releases the mapping and its reservation.
func (m *DevMapper) Unmap(r *Region) error {
	if r == nil {
		return ErrNotMapped
	}
	phys := r.phys
	if err := r.unmap(); err != nil {
		return err
	}
	log.Printf("Unmapped 0x%x", phys)
	return nil
}

// Close closes the underlying device. Mapped regions stay valid until
// they are unmapped.
func (m *DevMapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return m.dev.Close()
}
