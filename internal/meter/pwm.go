package meter

import (
	"fmt"

	"github.com/nexus-edge/energy-monitor/internal/domain"
)

const (
	pwmClockHz   = 16_000_000
	pwmPrescaler = 16
	// pwmPrescaleSel selects the /16 prescaler in the low bits of the period register.
	pwmPrescaleSel = 0x02

	// DefaultBeepFrequency and DefaultBeepDuty configure the sounder at start-up.
	DefaultBeepFrequency = 4000
	DefaultBeepDuty      = 248
)

// PWMRegisters computes the period and duty register values for a sounder
// frequency in Hz and a 10-bit duty value.
func PWMRegisters(freqHz, duty int) (period, dutyCycle uint16, err error) {
	if freqHz <= 0 {
		return 0, 0, fmt.Errorf("%w: pwm frequency %d", domain.ErrInvalidConfig, freqHz)
	}
	p := pwmClockHz / (2 * pwmPrescaler * freqHz)
	if p < 1 || p > 0xFF {
		return 0, 0, fmt.Errorf("%w: pwm frequency %d out of range", domain.ErrInvalidConfig, freqHz)
	}
	if duty < 0 || duty > 0x3FF {
		return 0, 0, fmt.Errorf("%w: pwm duty %d", domain.ErrInvalidConfig, duty)
	}

	period = uint16(p&0xFF)<<8 | pwmPrescaleSel&0x03
	dutyCycle = uint16(duty&0x3FC)<<6 | uint16(duty&0x03)
	return period, dutyCycle, nil
}
