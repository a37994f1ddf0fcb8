package registry

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotInitialized     = errors.New("registry not initialized")
	ErrAlreadyInitialized = errors.New("registry already initialized")
	ErrClosed             = errors.New("registry closed")
	ErrUnknownPeripheral  = errors.New("unknown peripheral")
	ErrOutOfRange         = errors.New("register out of range")
)

// UnknownPeripheralError is returned for a name that was never configured.
type UnknownPeripheralError struct {
	Name string
}

func (e *UnknownPeripheralError) Error() string {
	return fmt.Sprintf("unknown peripheral %q", e.Name)
}

func (e *UnknownPeripheralError) Is(target error) bool {
	return target == ErrUnknownPeripheral
}

// RangeError is returned for a register index outside a window.
type RangeError struct {
	Peripheral string
	Register   int
	Count      int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s register %d out of range [0, %d)", e.Peripheral, e.Register, e.Count)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}
