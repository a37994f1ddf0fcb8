// Package registry maps a set of peripherals as a unit and hands out
// bounded register windows over them.
//
// A Registry is initialized once. Either every peripheral is mapped and
// the registry becomes Ready, or none is and it becomes Failed; callers
// never see a partially mapped set. After Ready, Window is safe to call
// from any number of goroutines without further locking. Accesses through
// a Window go straight to the hardware and are not serialized against
// each other; they only hold off Close.
package registry

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/fcurrie/jpio-golang/pkg/mmap"
	"github.com/fcurrie/jpio-golang/pkg/peripheral"
)

// State is the lifecycle state of a Registry
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type mapping struct {
	desc   peripheral.Descriptor
	region *mmap.Region
}

// Registry owns the mapped regions of a set of peripherals
type Registry struct {
	open mmap.OpenFunc

	mu    sync.Mutex
	state atomic.Int32
	err   error

	mapper   mmap.Mapper
	mappings []mapping
	windows  map[string]*Window
	guard    guard
}

// New returns an uninitialized registry that acquires its mapper from open.
func New(open mmap.OpenFunc) *Registry {
	return &Registry{open: open}
}

// State returns the current state
func (r *Registry) State() State {
	return State(r.state.Load())
}

// Err returns the error that failed initialization, if any
func (r *Registry) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Initialize maps every descriptor. It runs at most once per registry:
// concurrent callers wait for the first one and then get
// ErrAlreadyInitialized, or the original error if it failed. Invalid
// descriptors are rejected without changing state.
func (r *Registry) Initialize(descs []peripheral.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case Ready:
		return ErrAlreadyInitialized
	case Failed:
		return r.err
	case Closed:
		return ErrClosed
	}
	if err := peripheral.Validate(descs); err != nil {
		return err
	}
	r.state.Store(int32(Initializing))

	if err := r.mapAll(descs); err != nil {
		r.err = err
		r.state.Store(int32(Failed))
		log.Printf("Peripheral mapping failed: %v", err)
		return err
	}

	r.guard.mu.Lock()
	r.guard.live = true
	r.guard.mu.Unlock()
	r.state.Store(int32(Ready))
	return nil
}

func (r *Registry) mapAll(descs []peripheral.Descriptor) (err error) {
	mapper, err := r.open()
	if err != nil {
		return errors.Wrap(err, "open memory device")
	}

	var mappings []mapping
	defer func() {
		if err == nil {
			return
		}
		for i := len(mappings) - 1; i >= 0; i-- {
			if uerr := mapper.Unmap(mappings[i].region); uerr != nil {
				log.Printf("Warning: failed to unmap %s: %v", mappings[i].desc.Name, uerr)
			}
		}
		if cerr := mapper.Close(); cerr != nil {
			log.Printf("Warning: failed to close memory device: %v", cerr)
		}
	}()

	windows := make(map[string]*Window, len(descs))
	for _, d := range descs {
		region, err := mapper.Map(d.Base, d.Size())
		if err != nil {
			return errors.Wrapf(err, "map %s", d.Name)
		}
		mappings = append(mappings, mapping{desc: d, region: region})

		if region.Addr()%uintptr(mapper.PageSize()) != 0 {
			return errors.Wrapf(&mmap.MappingError{Phys: d.Base, Length: d.Size(), Err: mmap.ErrMisplaced}, "map %s", d.Name)
		}
		regs, err := region.Words(d.Registers)
		if err != nil {
			return errors.Wrapf(&mmap.MappingError{Phys: d.Base, Length: d.Size(), Err: err}, "map %s", d.Name)
		}
		windows[d.Name] = newWindow(d.Name, regs, &r.guard)
		log.Printf("Mapped %s: %d registers at 0x%x", d.Name, d.Registers, d.Base)
	}

	r.mapper = mapper
	r.mappings = mappings
	r.windows = windows
	return nil
}

// Window returns the register window of the named peripheral.
func (r *Registry) Window(name string) (*Window, error) {
	switch r.State() {
	case Ready:
	case Closed:
		return nil, ErrClosed
	default:
		return nil, ErrNotInitialized
	}

	w, ok := r.windows[name]
	if !ok {
		return nil, &UnknownPeripheralError{Name: name}
	}
	return w, nil
}

// Names returns the mapped peripherals in configuration order
func (r *Registry) Names() []string {
	if r.State() != Ready {
		return nil
	}
	names := make([]string, len(r.mappings))
	for i, m := range r.mappings {
		names[i] = m.desc.Name
	}
	return names
}

// Descriptor returns the descriptor a peripheral was mapped from
func (r *Registry) Descriptor(name string) (peripheral.Descriptor, error) {
	if r.State() != Ready {
		return peripheral.Descriptor{}, ErrNotInitialized
	}
	for _, m := range r.mappings {
		if m.desc.Name == name {
			return m.desc, nil
		}
	}
	return peripheral.Descriptor{}, &UnknownPeripheralError{Name: name}
}

// Close unmaps every region and closes the memory device. It waits for
// window accesses in flight to finish; windows handed out earlier return
// ErrClosed afterwards. Closing a registry that never became Ready only
// moves it to Closed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.State()
	if prev == Closed {
		return nil
	}
	r.guard.mu.Lock()
	r.guard.live = false
	r.guard.mu.Unlock()
	r.state.Store(int32(Closed))
	if prev != Ready {
		return nil
	}

	var first error
	for i := len(r.mappings) - 1; i >= 0; i-- {
		m := r.mappings[i]
		if err := r.mapper.Unmap(m.region); err != nil && first == nil {
			first = errors.Wrapf(err, "unmap %s", m.desc.Name)
		}
	}
	if err := r.mapper.Close(); err != nil && first == nil {
		first = errors.Wrap(err, "close memory device")
	}
	log.Println("Peripheral registry closed")
	return first
}
