// Package serial provides the platform side of the meter link: the UART
// port, serial port discovery and the hardware reset line.
package serial

import (
	"fmt"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	bugst "go.bug.st/serial"
)

// Config holds serial port configuration.
type Config struct {
	Device string
	Baud   int
	// ReadTimeout is the longest a Read waits for input. Zero polls the
	// line and returns at once.
	ReadTimeout time.Duration
}

// DefaultConfig returns the port settings for the meter UART.
func DefaultConfig() Config {
	return Config{
		Device: "/dev/ttyS3",
		Baud:   115200,
	}
}

// Port is the meter UART, 8N1 with no flow control.
type Port struct {
	port bugst.Port
	cfg  Config
}

// openPort is swapped in tests.
var openPort = bugst.Open

// Open opens the serial device.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: device path is empty", domain.ErrPortOpenFailed)
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout < 0 {
		cfg.ReadTimeout = 0
	}

	port, err := openPort(cfg.Device, &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrPortOpenFailed, cfg.Device, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s: read timeout: %v", domain.ErrPortOpenFailed, cfg.Device, err)
	}

	return &Port{port: port, cfg: cfg}, nil
}

// Read returns whatever bytes are pending; an idle line yields (0, nil)
// once ReadTimeout has passed.
func (p *Port) Read(b []byte) (int, error) {
	if p.port == nil {
		return 0, domain.ErrPortNotOpen
	}
	return p.port.Read(b)
}

// Write writes b to the port.
func (p *Port) Write(b []byte) (int, error) {
	if p.port == nil {
		return 0, domain.ErrPortNotOpen
	}
	return p.port.Write(b)
}

// Flush discards unread input and unsent output.
func (p *Port) Flush() error {
	if p.port == nil {
		return domain.ErrPortNotOpen
	}
	if err := p.port.ResetInputBuffer(); err != nil {
		return err
	}
	return p.port.ResetOutputBuffer()
}

// Close closes the port.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// Device returns the device path.
func (p *Port) Device() string {
	return p.cfg.Device
}
