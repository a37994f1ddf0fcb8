package registry

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/fcurrie/jpio-golang/pkg/mmap"
	"github.com/fcurrie/jpio-golang/pkg/peripheral"
)

func referenceDescriptors(t *testing.T) []peripheral.Descriptor {
	t.Helper()
	descs, err := peripheral.BCM2835().Descriptors()
	if err != nil {
		t.Fatal(err)
	}
	return descs
}

// faultyMapper wraps a HeapMapper and fails when asked to map failAt.
type faultyMapper struct {
	*mmap.HeapMapper
	failAt uintptr
	closed bool
}

func (m *faultyMapper) Map(phys uintptr, length int) (*mmap.Region, error) {
	if phys == m.failAt {
		return nil, &mmap.MappingError{Phys: phys, Length: length, Err: os.ErrPermission}
	}
	return m.HeapMapper.Map(phys, length)
}

func (m *faultyMapper) Close() error {
	m.closed = true
	return m.HeapMapper.Close()
}

func TestInitializeReady(t *testing.T) {
	reg := New(mmap.Heap(4096, 4096))
	if reg.State() != Uninitialized {
		t.Fatalf("State() = %v before Initialize", reg.State())
	}

	if err := reg.Initialize(referenceDescriptors(t)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if reg.State() != Ready {
		t.Fatalf("State() = %v, want ready", reg.State())
	}

	tests := []struct {
		name  string
		bytes int
		count int
	}{
		{peripheral.GPIO, 164, 41},
		{peripheral.PWM, 180, 45},
		{peripheral.Clock, 180, 45},
	}
	for _, tt := range tests {
		w, err := reg.Window(tt.name)
		if err != nil {
			t.Errorf("Window(%q): %v", tt.name, err)
			continue
		}
		if w.Len() != tt.bytes {
			t.Errorf("Window(%q).Len() = %d, want %d", tt.name, w.Len(), tt.bytes)
		}
		if w.Count() != tt.count {
			t.Errorf("Window(%q).Count() = %d, want %d", tt.name, w.Count(), tt.count)
		}
		if w.Name() != tt.name {
			t.Errorf("Window(%q).Name() = %q", tt.name, w.Name())
		}
	}

	if got := strings.Join(reg.Names(), ","); got != "gpio,pwm,clock" {
		t.Errorf("Names() = %s", got)
	}
}

func TestRegionsArePageAligned(t *testing.T) {
	for _, pageSize := range []int{4096, 16384} {
		heap := mmap.NewHeapMapper(pageSize, 4096)
		reg := New(func() (mmap.Mapper, error) { return heap, nil })
		if err := reg.Initialize(referenceDescriptors(t)); err != nil {
			t.Fatal(err)
		}
		for _, m := range reg.mappings {
			if m.region.Addr()%uintptr(pageSize) != 0 {
				t.Errorf("%s mapped at 0x%x, not aligned to %d", m.desc.Name, m.region.Addr(), pageSize)
			}
			if m.region.Len() < m.desc.Size() {
				t.Errorf("%s region %d bytes, need %d", m.desc.Name, m.region.Len(), m.desc.Size())
			}
		}
	}
}

func TestWindowBeforeInitialize(t *testing.T) {
	reg := New(mmap.Heap(4096, 4096))
	for _, name := range []string{peripheral.GPIO, peripheral.PWM, "nope"} {
		w, err := reg.Window(name)
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("Window(%q) error = %v, want ErrNotInitialized", name, err)
		}
		if w != nil {
			t.Errorf("Window(%q) returned a window before Initialize", name)
		}
	}
}

func TestUnknownPeripheral(t *testing.T) {
	reg := New(mmap.Heap(4096, 4096))
	if err := reg.Initialize(referenceDescriptors(t)); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Window("spi0")
	var uerr *UnknownPeripheralError
	if !errors.As(err, &uerr) {
		t.Fatalf("Window(spi0) error = %v, want *UnknownPeripheralError", err)
	}
	if uerr.Name != "spi0" {
		t.Errorf("Name = %q", uerr.Name)
	}
	if !errors.Is(err, ErrUnknownPeripheral) {
		t.Error("error does not match ErrUnknownPeripheral")
	}
}

func TestDeviceOpenDenied(t *testing.T) {
	opened := false
	reg := New(func() (mmap.Mapper, error) {
		opened = true
		return nil, &mmap.DeviceOpenError{Path: "/dev/mem", Err: os.ErrPermission}
	})

	err := reg.Initialize(referenceDescriptors(t))
	if !opened {
		t.Fatal("open was not called")
	}
	var derr *mmap.DeviceOpenError
	if !errors.As(err, &derr) {
		t.Fatalf("Initialize error = %v, want *DeviceOpenError", err)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("error %v does not wrap os.ErrPermission", err)
	}
	if reg.State() != Failed {
		t.Errorf("State() = %v, want failed", reg.State())
	}
	if reg.mappings != nil || reg.windows != nil {
		t.Error("regions recorded after a failed open")
	}
	if _, err := reg.Window(peripheral.GPIO); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Window after failure error = %v", err)
	}
}

func TestPartialFailureIsAllOrNothing(t *testing.T) {
	descs := referenceDescriptors(t)

	for _, failing := range descs {
		t.Run(failing.Name, func(t *testing.T) {
			fm := &faultyMapper{HeapMapper: mmap.NewHeapMapper(4096, 4096), failAt: failing.Base}
			reg := New(func() (mmap.Mapper, error) { return fm, nil })

			err := reg.Initialize(descs)
			var merr *mmap.MappingError
			if !errors.As(err, &merr) {
				t.Fatalf("Initialize error = %v, want *MappingError", err)
			}
			if merr.Phys != failing.Base {
				t.Errorf("failed at 0x%x, want 0x%x", merr.Phys, failing.Base)
			}
			if !strings.Contains(err.Error(), "map "+failing.Name) {
				t.Errorf("error %q does not name %s", err, failing.Name)
			}
			if reg.State() != Failed {
				t.Errorf("State() = %v, want failed", reg.State())
			}
			if fm.Live() != 0 {
				t.Errorf("%d regions left mapped", fm.Live())
			}
			if !fm.closed {
				t.Error("device not closed after failure")
			}
			for _, d := range descs {
				if _, err := reg.Window(d.Name); !errors.Is(err, ErrNotInitialized) {
					t.Errorf("Window(%q) after failure error = %v", d.Name, err)
				}
			}
			if err := reg.Initialize(descs); !errors.As(err, &merr) {
				t.Errorf("second Initialize error = %v, want the original failure", err)
			}
			if !errors.Is(reg.Err(), os.ErrPermission) {
				t.Errorf("Err() = %v", reg.Err())
			}
		})
	}
}

func TestInitializeTwiceIsRejected(t *testing.T) {
	heap := mmap.NewHeapMapper(4096, 4096)
	opens := 0
	reg := New(func() (mmap.Mapper, error) {
		opens++
		return heap, nil
	})
	descs := referenceDescriptors(t)
	if err := reg.Initialize(descs); err != nil {
		t.Fatal(err)
	}

	before, _ := reg.Window(peripheral.GPIO)
	if err := before.Write(3, 0xcafe); err != nil {
		t.Fatal(err)
	}

	if err := reg.Initialize(descs); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Initialize error = %v, want ErrAlreadyInitialized", err)
	}
	if err := reg.Initialize(nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Initialize(nil) after Ready error = %v, want ErrAlreadyInitialized", err)
	}
	if opens != 1 {
		t.Errorf("device opened %d times", opens)
	}
	if heap.Live() != len(descs) {
		t.Errorf("%d regions live, want %d", heap.Live(), len(descs))
	}

	after, _ := reg.Window(peripheral.GPIO)
	if after != before {
		t.Error("window replaced by second Initialize")
	}
	if v, _ := after.Read(3); v != 0xcafe {
		t.Errorf("register 3 = 0x%x after second Initialize, want 0xcafe", v)
	}
}

func TestInitializeInvalidDescriptors(t *testing.T) {
	reg := New(func() (mmap.Mapper, error) {
		t.Fatal("device opened for invalid descriptors")
		return nil, nil
	})
	err := reg.Initialize([]peripheral.Descriptor{{Name: "gpio"}})
	if !errors.Is(err, peripheral.ErrInvalid) {
		t.Fatalf("Initialize error = %v, want peripheral.ErrInvalid", err)
	}
	if reg.State() != Uninitialized {
		t.Errorf("State() = %v, want uninitialized", reg.State())
	}
}

func TestConcurrentInitialize(t *testing.T) {
	heap := mmap.NewHeapMapper(4096, 4096)
	reg := New(func() (mmap.Mapper, error) { return heap, nil })
	descs := referenceDescriptors(t)

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Initialize(descs)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyInitialized):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d callers initialized, want 1", ok)
	}
	if heap.Live() != len(descs) {
		t.Errorf("%d regions live, want %d", heap.Live(), len(descs))
	}
}

func TestConcurrentWindowReads(t *testing.T) {
	reg := New(mmap.Heap(4096, 4096))
	if err := reg.Initialize(referenceDescriptors(t)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := reg.Window(peripheral.Clock); err != nil {
					t.Errorf("Window: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestWindowAccess(t *testing.T) {
	reg := New(mmap.Heap(4096, 4096))
	if err := reg.Initialize(referenceDescriptors(t)); err != nil {
		t.Fatal(err)
	}
	w, err := reg.Window(peripheral.PWM)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Write(0, 0x81); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(44, 0xffffffff); err != nil {
		t.Fatalf("Write to last register: %v", err)
	}
	v, err := w.Modify(0, 0x01, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x180 {
		t.Errorf("Modify() = 0x%x, want 0x180", v)
	}

	regs, err := w.Registers()
	if err != nil {
		t.Fatal(err)
	}
	if regs[0] != 0x180 || regs[44] != 0xffffffff {
		t.Errorf("unexpected registers:\n%s", spew.Sdump(regs))
	}

	for _, reg := range []int{-1, 45, 1000} {
		if _, err := w.Read(reg); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Read(%d) error = %v, want ErrOutOfRange", reg, err)
		}
		if err := w.Write(reg, 1); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Write(%d) error = %v, want ErrOutOfRange", reg, err)
		}
	}

	var rerr *RangeError
	if _, err := w.Read(45); !errors.As(err, &rerr) || rerr.Count != 45 || rerr.Peripheral != peripheral.PWM {
		t.Errorf("Read(45) error = %#v", err)
	}
}

func TestWindowDump(t *testing.T) {
	reg := New(mmap.Heap(4096, 4096))
	if err := reg.Initialize(referenceDescriptors(t)); err != nil {
		t.Fatal(err)
	}
	w, _ := reg.Window(peripheral.GPIO)
	w.Write(1, 5)

	var buf bytes.Buffer
	if err := w.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 41 {
		t.Fatalf("Dump wrote %d lines, want 41", len(lines))
	}
	if want := "Offset 1:\t00000000000000000000000000000101"; lines[1] != want {
		t.Errorf("line 1 = %q, want %q", lines[1], want)
	}
}

func TestClose(t *testing.T) {
	heap := mmap.NewHeapMapper(4096, 4096)
	reg := New(func() (mmap.Mapper, error) { return heap, nil })
	descs := referenceDescriptors(t)
	if err := reg.Initialize(descs); err != nil {
		t.Fatal(err)
	}
	w, _ := reg.Window(peripheral.GPIO)

	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg.State() != Closed {
		t.Errorf("State() = %v, want closed", reg.State())
	}
	if heap.Live() != 0 {
		t.Errorf("%d regions live after Close", heap.Live())
	}
	if _, err := w.Read(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close error = %v, want ErrClosed", err)
	}
	if _, err := reg.Window(peripheral.GPIO); !errors.Is(err, ErrClosed) {
		t.Errorf("Window after Close error = %v, want ErrClosed", err)
	}
	if err := reg.Initialize(descs); !errors.Is(err, ErrClosed) {
		t.Errorf("Initialize after Close error = %v, want ErrClosed", err)
	}
	if err := reg.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDescriptor(t *testing.T) {
	reg := New(mmap.Heap(4096, 4096))
	if _, err := reg.Descriptor(peripheral.PWM); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Descriptor before Initialize error = %v, want ErrNotInitialized", err)
	}
	if err := reg.Initialize(referenceDescriptors(t)); err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	d, err := reg.Descriptor(peripheral.PWM)
	if err != nil {
		t.Fatal(err)
	}
	if d.Base != 0x2020C000 || d.Registers != 45 {
		t.Errorf("Descriptor(pwm) = %s", spew.Sdump(d))
	}
	if _, err := reg.Descriptor("uart"); !errors.Is(err, ErrUnknownPeripheral) {
		t.Errorf("Descriptor(uart) error = %v, want ErrUnknownPeripheral", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Uninitialized: "uninitialized",
		Initializing:  "initializing",
		Ready:         "ready",
		Failed:        "failed",
		Closed:        "closed",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), s.String(), want)
		}
	}
}
