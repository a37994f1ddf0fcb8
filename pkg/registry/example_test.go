package registry_test

import (
	"fmt"
	"os"

	"github.com/fcurrie/jpio-golang/pkg/mmap"
	"github.com/fcurrie/jpio-golang/pkg/peripheral"
	"github.com/fcurrie/jpio-golang/pkg/registry"
)

func Example() {
	descs, err := peripheral.BCM2835().Descriptors()
	if err != nil {
		fmt.Println(err)
		return
	}

	// mmap.DevMem(mmap.DefaultDevice, mmap.DefaultBlockSize) maps the hardware
	reg := registry.New(mmap.Heap(4096, mmap.DefaultBlockSize))
	if err := reg.Initialize(descs); err != nil {
		fmt.Println(err)
		return
	}
	defer reg.Close()

	for _, name := range reg.Names() {
		w, _ := reg.Window(name)
		fmt.Printf("%s: %d bytes\n", name, w.Len())
	}
	// Output:
	// gpio: 164 bytes
	// pwm: 180 bytes
	// clock: 180 bytes
}

func ExampleWindow_Dump() {
	descs := []peripheral.Descriptor{{Name: "timer", Base: 0x20003000, Registers: 3}}
	reg := registry.New(mmap.Heap(4096, mmap.DefaultBlockSize))
	if err := reg.Initialize(descs); err != nil {
		fmt.Println(err)
		return
	}
	defer reg.Close()

	w, _ := reg.Window("timer")
	w.Write(1, 0x5)
	w.Modify(2, 0, 1<<31)
	w.Dump(os.Stdout)
	// Output:
	// Offset 0:	00000000000000000000000000000000
	// Offset 1:	00000000000000000000000000000101
	// Offset 2:	10000000000000000000000000000000
}

func ExampleRegistry_Window() {
	reg := registry.New(mmap.Heap(4096, mmap.DefaultBlockSize))
	_, err := reg.Window(peripheral.GPIO)
	fmt.Println(err)
	// Output: registry not initialized
}
