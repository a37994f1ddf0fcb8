package mmap

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// HeapMapper backs regions with ordinary process memory. It applies the
// same alignment and sizing rules as DevMapper and touches no device, so
// it stands in for hardware in tests and dry runs.
type HeapMapper struct {
	pageSize  int
	blockSize int

	mu     sync.Mutex
	live   int
	closed bool
}

// NewHeapMapper returns a heap-backed mapper.
func NewHeapMapper(pageSize, blockSize int) *HeapMapper {
	if pageSize <= 0 {
		pageSize = DefaultBlockSize
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &HeapMapper{pageSize: pageSize, blockSize: blockSize}
}

// Heap returns an OpenFunc producing a fresh HeapMapper.
func Heap(pageSize, blockSize int) OpenFunc {
	return func() (Mapper, error) {
		return NewHeapMapper(pageSize, blockSize), nil
	}
}

// PageSize returns the simulated page size
func (m *HeapMapper) PageSize() int {
	return m.pageSize
}

// Live returns the number of regions mapped and not yet unmapped
func (m *HeapMapper) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Map allocates a zeroed, page-aligned region. phys is only recorded.
func (m *HeapMapper) Map(phys uintptr, length int) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &MappingError{Phys: phys, Length: length, Err: ErrClosed}
	}

	size, err := blockLen(length, m.blockSize, m.pageSize)
	if err != nil {
		return nil, &MappingError{Phys: phys, Length: length, Err: err}
	}

	reserve := size + m.pageSize - 1
	buf, err := allocate(reserve)
	if err != nil {
		return nil, &AllocationError{Size: reserve, Err: err}
	}

	base := uintptr(unsafe.Pointer(&buf[0]))
	off := int(AlignUp(base, m.pageSize) - base)

	m.live++
	return &Region{
		phys:    phys,
		mem:     buf[off : off+size : off+size],
		backing: buf,
		release: func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.live--
			return nil
		},
	}, nil
}

// Unmap drops the region
func (m *HeapMapper) Unmap(r *Region) error {
	if r == nil {
		return ErrNotMapped
	}
	return r.unmap()
}

// Close marks the mapper closed; later Map calls fail.
func (m *HeapMapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func allocate(n int) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, errors.Errorf("allocate %d bytes: %v", n, r)
		}
	}()
	return make([]byte, n), nil
}
