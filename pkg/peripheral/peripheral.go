// Package peripheral describes the register blocks of a SoC: where each
// controller sits in physical memory and how many 32-bit registers it has.
package peripheral

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// RegisterWidth is the size of one register in bytes.
const RegisterWidth = 4

// Peripheral names used by the reference layout
const (
	GPIO  = "gpio"
	PWM   = "pwm"
	Clock = "clock"
)

// DeviceTreeRanges is where the kernel exposes the SoC bus ranges.
const DeviceTreeRanges = "/proc/device-tree/soc/ranges"

var ErrInvalid = errors.New("invalid peripheral descriptor")

// Descriptor locates one peripheral's registers
type Descriptor struct {
	Name      string
	Base      uintptr
	Registers int
}

// Size returns the register block size in bytes
func (d Descriptor) Size() int {
	return d.Registers * RegisterWidth
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s@0x%x[%d]", d.Name, d.Base, d.Registers)
}

// Block is a peripheral placed relative to the SoC peripheral base
type Block struct {
	Name      string
	Offset    uintptr
	Registers int
}

// Layout is the peripheral map of one SoC revision
type Layout struct {
	Base   uintptr
	Blocks []Block
}

// BCM2835 returns the layout of the original Raspberry Pi SoC.
func BCM2835() Layout {
	return Layout{
		Base: 0x20000000,
		Blocks: []Block{
			{Name: GPIO, Offset: 0x200000, Registers: 41},
			{Name: PWM, Offset: 0x20C000, Registers: 45},
			{Name: Clock, Offset: 0x101000, Registers: 45},
		},
	}
}

// WithBase returns a copy of l relocated to base
func (l Layout) WithBase(base uintptr) Layout {
	blocks := make([]Block, len(l.Blocks))
	copy(blocks, l.Blocks)
	return Layout{Base: base, Blocks: blocks}
}

// Descriptors resolves every block to an absolute physical address.
func (l Layout) Descriptors() ([]Descriptor, error) {
	descs := make([]Descriptor, 0, len(l.Blocks))
	for _, b := range l.Blocks {
		descs = append(descs, Descriptor{
			Name:      b.Name,
			Base:      l.Base + b.Offset,
			Registers: b.Registers,
		})
	}
	if err := Validate(descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// Validate checks that descs is non-empty, names are unique and non-empty,
// and every descriptor has at least one register.
func Validate(descs []Descriptor) error {
	if len(descs) == 0 {
		return errors.Wrap(ErrInvalid, "no peripherals configured")
	}
	seen := make(map[string]bool, len(descs))
	for i, d := range descs {
		if d.Name == "" {
			return errors.Wrapf(ErrInvalid, "peripheral %d has no name", i)
		}
		if seen[d.Name] {
			return errors.Wrapf(ErrInvalid, "duplicate peripheral %q", d.Name)
		}
		seen[d.Name] = true
		if d.Registers <= 0 {
			return errors.Wrapf(ErrInvalid, "peripheral %q has %d registers", d.Name, d.Registers)
		}
	}
	return nil
}

// DetectBase reads the peripheral base from a device-tree ranges file.
// Older boards store a 32-bit parent address at byte 4; newer ones use
// 64-bit parent addresses, leaving zero there and the base at byte 8.
func DetectBase(path string) (uintptr, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "detect peripheral base")
	}
	defer f.Close()

	b := make([]byte, 4)
	for _, off := range []int64{4, 8} {
		if _, err := f.ReadAt(b, off); err != nil {
			return 0, errors.Wrapf(err, "read %s at %d", path, off)
		}
		if base := binary.BigEndian.Uint32(b); base != 0 {
			return uintptr(base), nil
		}
	}
	return 0, errors.Errorf("no peripheral base in %s", path)
}
