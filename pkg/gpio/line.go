package gpio

import (
	"log"
	"sync"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

// DefaultChip is the GPIO character device of the SoC's own pins
const DefaultChip = "gpiochip0"

// Line is an output pin requested through the GPIO character device. It
// needs no access to /dev/mem and serves as a fallback when the register
// windows cannot be mapped.
type Line struct {
	chip   string
	offset int
	mu     sync.Mutex
	line   *gpiocdev.Line
}

// RequestLine requests offset on chip as an output driven low
func RequestLine(chip string, offset int) (*Line, error) {
	log.Printf("Requesting line %d on %s", offset, chip)

	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("jpio"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to request line %d on %s", offset, chip)
	}
	return &Line{chip: chip, offset: offset, line: l}, nil
}

// SetValue sets the value of the line (0 or 1)
func (l *Line) SetValue(value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.line == nil {
		return errors.Errorf("line %d on %s is closed", l.offset, l.chip)
	}
	return l.line.SetValue(value)
}

// GetValue gets the value of the line (0 or 1)
func (l *Line) GetValue() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.line == nil {
		return 0, errors.Errorf("line %d on %s is closed", l.offset, l.chip)
	}
	return l.line.Value()
}

// Close releases the line
func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.line == nil {
		return nil
	}
	log.Printf("Releasing line %d on %s", l.offset, l.chip)
	err := l.line.Close()
	l.line = nil
	return err
}

var (
	_ DigitalOutput = (*Pin)(nil)
	_ DigitalOutput = (*Line)(nil)
)
