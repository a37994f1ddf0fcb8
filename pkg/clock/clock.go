// Package clock configures the BCM2835 general purpose clocks GPCLK0-2
// and the clock that feeds the PWM block.
//
// Every write to a clock manager register must carry the password in its
// top byte or the hardware ignores it. The source and divisor may only be
// changed while the clock is stopped and no longer busy.
package clock

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fcurrie/jpio-golang/pkg/gpio"
)

const (
	password = 0x5A000000

	ctlSource = 0x0f
	ctlEnable = 1 << 4
	ctlBusy   = 1 << 7
	ctlMash   = 0x3 << 9

	divFracBits = 12
	divMax      = 1<<12 - 1
)

// busyTimeout bounds the wait for the busy flag to settle
var busyTimeout = 100 * time.Millisecond

var ErrBusy = errors.New("clock busy")

// Registers is the register access the clock manager needs
type Registers interface {
	Read(reg int) (uint32, error)
	Write(reg int, v uint32) error
}

// Channel is one of the clock generators
type Channel int

const (
	GPCLK0 Channel = iota
	GPCLK1
	GPCLK2
	// PWMCLK drives the PWM block and has no output pin
	PWMCLK
)

func (c Channel) control() int {
	if c == PWMCLK {
		return 40
	}
	return 28 + 2*int(c)
}

func (c Channel) divisor() int { return c.control() + 1 }

// Pin returns the GPIO pin the clock appears on with function alt0, or -1
// for PWMCLK.
func (c Channel) Pin() int {
	if c == PWMCLK {
		return -1
	}
	return 4 + int(c)
}

func (c Channel) String() string {
	switch c {
	case GPCLK0:
		return "gpclk0"
	case GPCLK1:
		return "gpclk1"
	case GPCLK2:
		return "gpclk2"
	case PWMCLK:
		return "pwmclk"
	}
	return "invalid"
}

// Source is a clock generator input
type Source uint32

const (
	GND Source = iota
	Oscillator
	TestDebug0
	TestDebug1
	PLLA
	PLLC
	PLLD
	HDMI
)

// Mash is the noise-shaping filter stage count
type Mash uint32

const (
	MashInteger Mash = iota
	Mash1
	Mash2
	Mash3
)

// Divisor is a 12.12 fixed point clock divisor
type Divisor struct {
	Int  uint32
	Frac uint32
}

// NewDivisor splits d into integer and fractional parts
func NewDivisor(d float64) (Divisor, error) {
	if math.IsNaN(d) || d < 1 || d >= divMax+1 {
		return Divisor{}, errors.Errorf("divisor %v out of range [1, %d)", d, divMax+1)
	}
	i := math.Floor(d)
	return Divisor{
		Int:  uint32(i),
		Frac: uint32((d - i) * (1 << divFracBits)),
	}, nil
}

func (d Divisor) encode() (uint32, error) {
	if d.Int < 1 || d.Int > divMax || d.Frac > divMax {
		return 0, errors.Errorf("divisor %d.%d out of range", d.Int, d.Frac)
	}
	return password | d.Int<<divFracBits | d.Frac, nil
}

// Float returns the divisor as a number
func (d Divisor) Float() float64 {
	return float64(d.Int) + float64(d.Frac)/(1<<divFracBits)
}

// Manager drives the clock manager registers
type Manager struct {
	regs Registers
	mu   sync.Mutex
}

// NewManager returns a manager over the clock register window
func NewManager(regs Registers) *Manager {
	return &Manager{regs: regs}
}

func (m *Manager) check(c Channel) error {
	if c < GPCLK0 || c > PWMCLK {
		return errors.Errorf("invalid clock channel %d", int(c))
	}
	return nil
}

// Busy reports whether the clock generator is running
func (m *Manager) Busy(c Channel) (bool, error) {
	if err := m.check(c); err != nil {
		return false, err
	}
	v, err := m.regs.Read(c.control())
	if err != nil {
		return false, err
	}
	return v&ctlBusy != 0, nil
}

// waitBusy polls until the busy flag equals want. Caller holds mu.
func (m *Manager) waitBusy(c Channel, want bool) error {
	deadline := time.Now().Add(busyTimeout)
	for {
		v, err := m.regs.Read(c.control())
		if err != nil {
			return err
		}
		if (v&ctlBusy != 0) == want {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrBusy, "%v did not settle", c)
		}
		time.Sleep(time.Microsecond)
	}
}

// Stop disables the clock and waits for it to go idle
func (m *Manager) Stop(c Channel) error {
	if err := m.check(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop(c)
}

func (m *Manager) stop(c Channel) error {
	v, err := m.regs.Read(c.control())
	if err != nil {
		return err
	}
	if err := m.regs.Write(c.control(), password|(v&^ctlEnable&0xffffff)); err != nil {
		return err
	}
	return m.waitBusy(c, false)
}

// Start enables the clock with its current source and divisor
func (m *Manager) Start(c Channel) error {
	if err := m.check(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.regs.Read(c.control())
	if err != nil {
		return err
	}
	return m.regs.Write(c.control(), password|(v&0xffffff)|ctlEnable)
}

// Configure stops the clock, programs source, mash and divisor, and starts
// it again. It does not touch GPIO; use Route to bring a general purpose
// clock out on its pin.
func (m *Manager) Configure(c Channel, src Source, mash Mash, div Divisor) error {
	if err := m.check(c); err != nil {
		return err
	}
	if src > HDMI {
		return errors.Errorf("invalid clock source %d", src)
	}
	if mash > Mash3 {
		return errors.Errorf("invalid mash %d", mash)
	}
	dv, err := div.encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log.Printf("Configuring %v: source %d, mash %d, divisor %.4f", c, src, mash, div.Float())

	if err := m.stop(c); err != nil {
		return err
	}
	if err := m.regs.Write(c.divisor(), dv); err != nil {
		return err
	}
	ctl := password | uint32(mash)<<9&ctlMash | uint32(src)&ctlSource
	if err := m.regs.Write(c.control(), ctl); err != nil {
		return err
	}
	return m.regs.Write(c.control(), ctl|ctlEnable)
}

// Divisor returns the programmed divisor of a clock
func (m *Manager) Divisor(c Channel) (Divisor, error) {
	if err := m.check(c); err != nil {
		return Divisor{}, err
	}
	v, err := m.regs.Read(c.divisor())
	if err != nil {
		return Divisor{}, err
	}
	return Divisor{Int: v >> divFracBits & divMax, Frac: v & divMax}, nil
}

// Route selects alt0 on the channel's pin so the clock is driven out.
func Route(ctl *gpio.Controller, c Channel) error {
	if c < GPCLK0 || c > GPCLK2 {
		return errors.Errorf("%v has no output pin", c)
	}
	pin, err := ctl.Pin(c.Pin())
	if err != nil {
		return err
	}
	return pin.SetFunction(gpio.Alt0)
}
