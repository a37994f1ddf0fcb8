package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fcurrie/jpio-golang/pkg/mmap"
	"github.com/fcurrie/jpio-golang/pkg/peripheral"
)

// Addr is a physical address. In JSON it may be a number or a string such
// as "0x20000000".
type Addr uintptr

// UnmarshalJSON accepts numbers and hex/decimal strings
func (a *Addr) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 0, strconv.IntSize)
	if err != nil {
		return errors.Wrapf(err, "invalid address %s", b)
	}
	*a = Addr(v)
	return nil
}

// MarshalJSON writes the address as a hex string
func (a Addr) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uintptr(a)))
}

// PeripheralConfig places one register block relative to the peripheral base
type PeripheralConfig struct {
	Name      string `json:"name"`
	Offset    Addr   `json:"offset"`
	Registers int    `json:"registers"`
}

// MonitorConfig represents the register monitor settings
type MonitorConfig struct {
	Port       int `json:"port"`
	IntervalMs int `json:"interval_ms"`
}

// Interval returns the snapshot interval
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

// Config represents the application configuration
type Config struct {
	Device         string             `json:"device"`
	BlockSize      int                `json:"block_size"`
	PeripheralBase Addr               `json:"peripheral_base"`
	DetectBase     bool               `json:"detect_base"`
	RangesPath     string             `json:"ranges_path"`
	Peripherals    []PeripheralConfig `json:"peripherals"`
	Monitor        MonitorConfig      `json:"monitor"`
}

// LoadConfig loads the configuration from a file. Fields missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := DefaultConfig()
	defaults := config.Peripherals
	config.Peripherals = nil
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if config.Peripherals == nil {
		config.Peripherals = defaults
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	ref := peripheral.BCM2835()
	periphs := make([]PeripheralConfig, len(ref.Blocks))
	for i, b := range ref.Blocks {
		periphs[i] = PeripheralConfig{Name: b.Name, Offset: Addr(b.Offset), Registers: b.Registers}
	}

	return &Config{
		Device:         mmap.DefaultDevice,
		BlockSize:      mmap.DefaultBlockSize,
		PeripheralBase: Addr(ref.Base),
		RangesPath:     peripheral.DeviceTreeRanges,
		Peripherals:    periphs,
		Monitor: MonitorConfig{
			Port:       8080,
			IntervalMs: 250,
		},
	}
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if c.Device == "" {
		return errors.New("device path is empty")
	}
	if c.BlockSize <= 0 {
		return errors.Errorf("block size must be positive, got %d", c.BlockSize)
	}
	if c.Monitor.IntervalMs <= 0 {
		return errors.Errorf("monitor interval must be positive, got %dms", c.Monitor.IntervalMs)
	}
	_, err := c.staticLayout().Descriptors()
	return err
}

func (c *Config) staticLayout() peripheral.Layout {
	blocks := make([]peripheral.Block, len(c.Peripherals))
	for i, p := range c.Peripherals {
		blocks[i] = peripheral.Block{Name: p.Name, Offset: uintptr(p.Offset), Registers: p.Registers}
	}
	return peripheral.Layout{Base: uintptr(c.PeripheralBase), Blocks: blocks}
}

// Layout returns the peripheral layout. With DetectBase set, the base is
// read from the device tree; the configured base is the fallback.
func (c *Config) Layout() (peripheral.Layout, error) {
	layout := c.staticLayout()
	if !c.DetectBase {
		return layout, nil
	}
	base, err := peripheral.DetectBase(c.RangesPath)
	if err != nil {
		return layout, err
	}
	return layout.WithBase(base), nil
}

// Descriptors resolves the layout into peripheral descriptors. A failed
// base detection falls back to the configured base.
func (c *Config) Descriptors() ([]peripheral.Descriptor, error) {
	layout, err := c.Layout()
	if err != nil {
		log.Printf("Warning: %v, using peripheral base 0x%x", err, uintptr(c.PeripheralBase))
	}
	return layout.Descriptors()
}

// Opener returns the mapper source for the configured device. With heap
// set, registers live in process memory and no device is touched.
func (c *Config) Opener(heap bool) mmap.OpenFunc {
	if heap {
		return mmap.Heap(os.Getpagesize(), c.BlockSize)
	}
	return mmap.DevMem(c.Device, c.BlockSize)
}
