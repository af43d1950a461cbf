package serial

import (
	"fmt"
	"sync"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// ResetLine drives the meter's active-low reset input.
type ResetLine interface {
	Assert() error
	Release() error
}

var hostInit struct {
	once sync.Once
	err  error
}

// GPIOResetLine is a reset line on a host GPIO pin.
type GPIOResetLine struct {
	pin gpio.PinIO
}

// NewGPIOResetLine looks up the named pin (for example "GPIO18") and drives it high.
func NewGPIOResetLine(name string) (*GPIOResetLine, error) {
	hostInit.once.Do(func() {
		_, hostInit.err = host.Init()
	})
	if hostInit.err != nil {
		return nil, fmt.Errorf("%w: periph host init: %v", domain.ErrResetLineFailed, hostInit.err)
	}

	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("%w: unknown pin %q", domain.ErrResetLineFailed, name)
	}
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrResetLineFailed, name, err)
	}
	return &GPIOResetLine{pin: pin}, nil
}

// Assert holds the meter in reset.
func (l *GPIOResetLine) Assert() error {
	if err := l.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrResetLineFailed, err)
	}
	return nil
}

// Release lets the meter run.
func (l *GPIOResetLine) Release() error {
	if err := l.pin.Out(gpio.High); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrResetLineFailed, err)
	}
	return nil
}

// String returns the pin name.
func (l *GPIOResetLine) String() string {
	return l.pin.Name()
}

// NopResetLine is used when no reset pin is wired.
type NopResetLine struct{}

// Assert does nothing.
func (NopResetLine) Assert() error { return nil }

// Release does nothing.
func (NopResetLine) Release() error { return nil }
