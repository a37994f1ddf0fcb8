package registry

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fcurrie/jpio-golang/pkg/peripheral"
)

// guard is shared by a registry and its windows. Accesses hold it for
// reading; Close takes it for writing before anything is unmapped.
type guard struct {
	mu   sync.RWMutex
	live bool
}

// Window is a bounded view of one peripheral's registers. It does not own
// the memory behind it and stops working once its registry is closed.
type Window struct {
	name  string
	regs  []uint32
	guard *guard
}

func newWindow(name string, regs []uint32, g *guard) *Window {
	return &Window{name: name, regs: regs, guard: g}
}

// Name returns the peripheral name
func (w *Window) Name() string {
	return w.name
}

// Count returns the number of registers in the window
func (w *Window) Count() int {
	return len(w.regs)
}

// Len returns the window length in bytes
func (w *Window) Len() int {
	return len(w.regs) * peripheral.RegisterWidth
}

// acquire read-locks the guard for an access to reg. On success the caller
// must call w.guard.mu.RUnlock.
func (w *Window) acquire(reg int) error {
	if reg < 0 || reg >= len(w.regs) {
		return &RangeError{Peripheral: w.name, Register: reg, Count: len(w.regs)}
	}
	w.guard.mu.RLock()
	if !w.guard.live {
		w.guard.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

// Read returns the value of register reg
func (w *Window) Read(reg int) (uint32, error) {
	if err := w.acquire(reg); err != nil {
		return 0, err
	}
	defer w.guard.mu.RUnlock()
	return atomic.LoadUint32(&w.regs[reg]), nil
}

// Write stores v in register reg
func (w *Window) Write(reg int, v uint32) error {
	if err := w.acquire(reg); err != nil {
		return err
	}
	defer w.guard.mu.RUnlock()
	atomic.StoreUint32(&w.regs[reg], v)
	return nil
}

// Modify clears the bits in clear, then sets the bits in set, and returns
// the value written. The read and the write are separate bus accesses.
func (w *Window) Modify(reg int, clear, set uint32) (uint32, error) {
	if err := w.acquire(reg); err != nil {
		return 0, err
	}
	defer w.guard.mu.RUnlock()
	v := atomic.LoadUint32(&w.regs[reg])&^clear | set
	atomic.StoreUint32(&w.regs[reg], v)
	return v, nil
}

// Registers returns a copy of every register, read in order.
func (w *Window) Registers() ([]uint32, error) {
	w.guard.mu.RLock()
	defer w.guard.mu.RUnlock()
	if !w.guard.live {
		return nil, ErrClosed
	}
	out := make([]uint32, len(w.regs))
	for i := range w.regs {
		out[i] = atomic.LoadUint32(&w.regs[i])
	}
	return out, nil
}

// Dump writes every register as a 32-digit binary string, one per line.
func (w *Window) Dump(out io.Writer) error {
	regs, err := w.Registers()
	if err != nil {
		return err
	}
	for i, v := range regs {
		if _, err := fmt.Fprintf(out, "Offset %d:\t%032b\n", i, v); err != nil {
			return err
		}
	}
	return nil
}
