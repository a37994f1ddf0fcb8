// Package mmap maps physical address ranges into process memory with
// page-aligned, block-sized regions.
package mmap

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// DefaultBlockSize is the mapping granularity used on the Raspberry Pi.
const DefaultBlockSize = 4 * 1024

// Region represents a page-aligned mapping of a physical address range
type Region struct {
	phys    uintptr
	mem     []byte
	backing interface{}
	release func() error
}

// Mapper maps physical ranges into the process. A Mapper owns whatever
// device handle backs it; Close releases that handle but not the regions.
type Mapper interface {
	Map(phys uintptr, length int) (*Region, error)
	Unmap(r *Region) error
	PageSize() int
	Close() error
}

// OpenFunc acquires a Mapper, typically by opening the memory device.
type OpenFunc func() (Mapper, error)

// Phys returns the physical address the region starts at
func (r *Region) Phys() uintptr {
	return r.phys
}

// Addr returns the virtual address of the first mapped byte
func (r *Region) Addr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Len returns the mapped length in bytes
func (r *Region) Len() int {
	return len(r.mem)
}

// Bytes returns the mapped memory
func (r *Region) Bytes() []byte {
	return r.mem
}

// Words returns the first n 32-bit words of the region.
func (r *Region) Words(n int) ([]uint32, error) {
	if n <= 0 || n*4 > len(r.mem) {
		return nil, errors.Errorf("region at 0x%x holds %d bytes, %d words requested", r.phys, len(r.mem), n)
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&r.mem[0])), n), nil
}

func (r *Region) String() string {
	return fmt.Sprintf("region{phys=0x%x addr=0x%x len=%d}", r.phys, r.Addr(), len(r.mem))
}

// unmap runs the release hook once.
func (r *Region) unmap() error {
	if r.release == nil {
		return ErrNotMapped
	}
	release := r.release
	r.release = nil
	r.mem = nil
	r.backing = nil
	return release()
}

// AlignUp returns the first multiple of align at or above addr.
// align must be a power of two.
func AlignUp(addr uintptr, align int) uintptr {
	a := uintptr(align)
	return (addr + a - 1) &^ (a - 1)
}

// RoundUp rounds n up to a multiple of block.
func RoundUp(n, block int) int {
	if rem := n % block; rem != 0 {
		return n + block - rem
	}
	return n
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// blockLen validates the block and page sizes and returns the mapping
// length for a request of n bytes.
func blockLen(n, blockSize, pageSize int) (int, error) {
	if n <= 0 {
		return 0, errors.Wrapf(ErrInvalidLength, "length %d", n)
	}
	if !isPowerOfTwo(pageSize) {
		return 0, errors.Errorf("page size %d is not a power of two", pageSize)
	}
	if blockSize < pageSize {
		blockSize = pageSize
	}
	blockSize = RoundUp(blockSize, pageSize)
	return RoundUp(n, blockSize), nil
}
