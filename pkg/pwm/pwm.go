// Package pwm controls the two BCM2835 PWM channels through the PWM
// register window.
package pwm

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	regControl = 0
	regStatus  = 1
)

// Registers is the register access the controller needs
type Registers interface {
	Read(reg int) (uint32, error)
	Write(reg int, v uint32) error
}

// Channel is a PWM output channel
type Channel int

const (
	PWM0 Channel = iota
	PWM1
)

func (c Channel) rangeRegister() int {
	if c == PWM1 {
		return 8
	}
	return 4
}

func (c Channel) dataRegister() int {
	return c.rangeRegister() + 1
}

// shift positions channel 1 control bits in the upper byte.
func (c Channel) shift() uint {
	return uint(c) * 8
}

func (c Channel) valid() error {
	if c != PWM0 && c != PWM1 {
		return errors.Errorf("invalid PWM channel %d", int(c))
	}
	return nil
}

// Control is a per-channel bit of the CTL register
type Control uint32

const (
	Enable      Control = 0x01
	SerialMode  Control = 0x02
	RepeatLast  Control = 0x04
	SilenceHigh Control = 0x08
	Invert      Control = 0x10
	UseFIFO     Control = 0x20
	ClearFIFO   Control = 0x40
	MarkSpace   Control = 0x80
)

// Status is a bit of the STA register
type Status uint32

const (
	FIFOFull       Status = 0x001
	FIFOEmpty      Status = 0x002
	FIFOWriteError Status = 0x004
	FIFOReadError  Status = 0x008
	Gap1           Status = 0x010
	Gap2           Status = 0x020
	BusError       Status = 0x100
	State1         Status = 0x200
	State2         Status = 0x400
)

// Controller drives the PWM block
type Controller struct {
	regs Registers
	mu   sync.Mutex
}

// NewController returns a controller over the PWM register window
func NewController(regs Registers) *Controller {
	return &Controller{regs: regs}
}

// SetControl sets or clears a control bit of one channel
func (c *Controller) SetControl(ch Channel, ctl Control, on bool) error {
	if err := ch.valid(); err != nil {
		return err
	}
	bit := uint32(ctl) << ch.shift()

	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.regs.Read(regControl)
	if err != nil {
		return err
	}
	if on {
		v |= bit
	} else {
		v &^= bit
	}
	return c.regs.Write(regControl, v)
}

// Control reports whether a control bit of one channel is set
func (c *Controller) Control(ch Channel, ctl Control) (bool, error) {
	if err := ch.valid(); err != nil {
		return false, err
	}
	v, err := c.regs.Read(regControl)
	if err != nil {
		return false, err
	}
	return v&(uint32(ctl)<<ch.shift()) != 0, nil
}

// Status reports whether a status bit is set
func (c *Controller) Status(s Status) (bool, error) {
	v, err := c.regs.Read(regStatus)
	if err != nil {
		return false, err
	}
	return v&uint32(s) != 0, nil
}

// SetRange sets the period of a channel in PWM clock ticks
func (c *Controller) SetRange(ch Channel, rng uint32) error {
	if err := ch.valid(); err != nil {
		return err
	}
	return c.regs.Write(ch.rangeRegister(), rng)
}

// SetData sets the active ticks per period of a channel
func (c *Controller) SetData(ch Channel, data uint32) error {
	if err := ch.valid(); err != nil {
		return err
	}
	return c.regs.Write(ch.dataRegister(), data)
}

// Start configures a channel for mark-space output with the given range
// and data, then enables it.
func (c *Controller) Start(ch Channel, rng, data uint32) error {
	if data > rng {
		return errors.Errorf("data %d exceeds range %d", data, rng)
	}
	if err := c.SetControl(ch, Enable, false); err != nil {
		return err
	}
	if err := c.SetRange(ch, rng); err != nil {
		return err
	}
	if err := c.SetData(ch, data); err != nil {
		return err
	}
	if err := c.SetControl(ch, MarkSpace, true); err != nil {
		return err
	}
	return c.SetControl(ch, Enable, true)
}

// Stop disables a channel
func (c *Controller) Stop(ch Channel) error {
	return c.SetControl(ch, Enable, false)
}
