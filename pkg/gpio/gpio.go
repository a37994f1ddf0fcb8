// Package gpio drives BCM2835 GPIO pins through the GPIO register window.
package gpio

import (
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NumPins is the number of GPIO lines on the BCM2835
const NumPins = 54

// Register offsets, in 32-bit registers from the GPIO base
const (
	regFunctionSelect = 0  // GPFSEL0..5, 10 pins each
	regSet            = 7  // GPSET0..1
	regClear          = 10 // GPCLR0..1
	regLevel          = 13 // GPLEV0..1
	regPull           = 37 // GPPUD
	regPullClock      = 38 // GPPUDCLK0..1
)

// pullSetup is how long the pull control signal needs to settle; the
// datasheet asks for 150 cycles of the 250MHz peripheral clock.
const pullSetup = time.Microsecond

// Registers is the register access a controller needs. A
// *registry.Window satisfies it.
type Registers interface {
	Read(reg int) (uint32, error)
	Write(reg int, v uint32) error
}

// Function is a pin's function select value
type Function uint32

const (
	Input  Function = 0b000
	Output Function = 0b001
	Alt0   Function = 0b100
	Alt1   Function = 0b101
	Alt2   Function = 0b110
	Alt3   Function = 0b111
	Alt4   Function = 0b011
	Alt5   Function = 0b010
)

func (f Function) String() string {
	switch f {
	case Input:
		return "input"
	case Output:
		return "output"
	case Alt0:
		return "alt0"
	case Alt1:
		return "alt1"
	case Alt2:
		return "alt2"
	case Alt3:
		return "alt3"
	case Alt4:
		return "alt4"
	case Alt5:
		return "alt5"
	}
	return "invalid"
}

// Pull is a pin's pull resistor setting
type Pull uint32

const (
	PullOff  Pull = 0b00
	PullDown Pull = 0b01
	PullUp   Pull = 0b10
)

var ErrInvalidPin = errors.New("invalid GPIO pin")

// DigitalOutput is a digital output line
type DigitalOutput interface {
	SetValue(value int) error
	Close() error
}

// Controller serializes read-modify-write sequences on the GPIO registers
type Controller struct {
	regs Registers
	mu   sync.Mutex
}

// NewController returns a controller over the GPIO register window
func NewController(regs Registers) *Controller {
	return &Controller{regs: regs}
}

// Pin represents a GPIO pin driven through registers
type Pin struct {
	number int
	ctl    *Controller
}

// Pin returns the pin with the given BCM number
func (c *Controller) Pin(number int) (*Pin, error) {
	if number < 0 || number >= NumPins {
		return nil, errors.Wrapf(ErrInvalidPin, "pin %d", number)
	}
	return &Pin{number: number, ctl: c}, nil
}

// NewOutput configures a pin as a low output
func (c *Controller) NewOutput(number int) (*Pin, error) {
	log.Printf("Creating GPIO pin %d using registers", number)

	pin, err := c.Pin(number)
	if err != nil {
		return nil, err
	}
	if err := pin.SetValue(0); err != nil {
		return nil, err
	}
	if err := pin.SetFunction(Output); err != nil {
		return nil, errors.Wrapf(err, "failed to set pin %d function", number)
	}
	return pin, nil
}

// Number returns the BCM pin number
func (p *Pin) Number() int {
	return p.number
}

// bank returns the register offset and bit for the pin within a pair of
// one-bit-per-pin registers.
func (p *Pin) bank() (int, uint32) {
	return p.number / 32, 1 << uint(p.number%32)
}

// SetFunction selects the pin's function
func (p *Pin) SetFunction(f Function) error {
	if f > 0b111 {
		return errors.Errorf("invalid function %d", f)
	}
	reg := regFunctionSelect + p.number/10
	shift := uint(p.number%10) * 3

	p.ctl.mu.Lock()
	defer p.ctl.mu.Unlock()

	v, err := p.ctl.regs.Read(reg)
	if err != nil {
		return err
	}
	v = v&^(0b111<<shift) | uint32(f)<<shift
	return p.ctl.regs.Write(reg, v)
}

// Function returns the pin's current function
func (p *Pin) Function() (Function, error) {
	v, err := p.ctl.regs.Read(regFunctionSelect + p.number/10)
	if err != nil {
		return 0, err
	}
	return Function(v >> (uint(p.number%10) * 3) & 0b111), nil
}

// Set drives the pin high or low. The set and clear registers only act on
// bits written as one, so no locking is needed.
func (p *Pin) Set(high bool) error {
	off, bit := p.bank()
	if high {
		return p.ctl.regs.Write(regSet+off, bit)
	}
	return p.ctl.regs.Write(regClear+off, bit)
}

// SetValue sets the value of the GPIO pin (0 or 1)
func (p *Pin) SetValue(value int) error {
	return p.Set(value != 0)
}

// Level reports whether the pin reads high
func (p *Pin) Level() (bool, error) {
	off, bit := p.bank()
	v, err := p.ctl.regs.Read(regLevel + off)
	if err != nil {
		return false, err
	}
	return v&bit != 0, nil
}

// GetValue gets the value of the GPIO pin (0 or 1)
func (p *Pin) GetValue() (int, error) {
	high, err := p.Level()
	if err != nil || !high {
		return 0, err
	}
	return 1, nil
}

// SetPull configures the pin's pull resistor using the GPPUD/GPPUDCLK
// sequence.
func (p *Pin) SetPull(pull Pull) error {
	if pull > PullUp {
		return errors.Errorf("invalid pull %d", pull)
	}
	off, bit := p.bank()

	p.ctl.mu.Lock()
	defer p.ctl.mu.Unlock()

	if err := p.ctl.regs.Write(regPull, uint32(pull)); err != nil {
		return err
	}
	time.Sleep(pullSetup)
	if err := p.ctl.regs.Write(regPullClock+off, bit); err != nil {
		return err
	}
	time.Sleep(pullSetup)
	if err := p.ctl.regs.Write(regPull, 0); err != nil {
		return err
	}
	return p.ctl.regs.Write(regPullClock+off, 0)
}

// Pulse drives the pin high for d, then low
func (p *Pin) Pulse(d time.Duration) error {
	if err := p.Set(true); err != nil {
		return err
	}
	time.Sleep(d)
	return p.Set(false)
}

// Close returns the pin to input
func (p *Pin) Close() error {
	log.Printf("Closing GPIO pin %d", p.number)
	if err := p.SetFunction(Input); err != nil {
		log.Printf("Warning: failed to reset pin %d: %v", p.number, err)
		return err
	}
	return nil
}
