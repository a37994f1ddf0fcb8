package mmap

import (
	"log"
	"os"
	"sync"
)

// DefaultDevice is the physical-memory device on Linux.
const DefaultDevice = "/dev/mem"

// Device holds the open physical-memory device.
type Device struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// Open opens the physical-memory device for synchronous read/write access
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, &DeviceOpenError{Path: path, Err: err}
	}
	log.Printf("Opened %s", path)
	return &Device{path: path, f: f}, nil
}

// Path returns the device path
func (d *Device) Path() string {
	return d.path
}

// Fd returns the file descriptor, or -1 once closed
func (d *Device) Fd() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return -1
	}
	return int(d.f.Fd())
}

// Close closes the device. Closing twice is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	log.Printf("Closed %s", d.path)
	return err
}
