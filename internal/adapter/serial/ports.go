package serial

import (
	"fmt"
	"sort"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `yaml:"name"`
	IsUSB        bool   `yaml:"usb"`
	VID          string `yaml:"vid,omitempty"`
	PID          string `yaml:"pid,omitempty"`
	SerialNumber string `yaml:"serial_number,omitempty"`
}

// enumerate functions are swapped in tests.
var (
	detailedPorts = enumerator.GetDetailedPortsList
	plainPorts    = bugst.GetPortsList
)

// ListPorts returns the serial ports present on the host, sorted by name.
// USB details are included when the platform enumerator provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPorts()
	if err == nil && len(details) > 0 {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
			})
		}
		sortPorts(out)
		return out, nil
	}

	names, perr := plainPorts()
	if perr != nil {
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
		}
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", perr)
	}
	out := make([]PortInfo, 0, len(names))
	for _, name := range names {
		out = append(out, PortInfo{Name: name})
	}
	sortPorts(out)
	return out, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}
