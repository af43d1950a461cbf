// Package mcp implements the MCP39F511 UART transaction protocol: frame
// encoding, the response receiver, the transaction queue and the serial
// engine that services them.
package mcp

import (
	"fmt"

	"github.com/nexus-edge/energy-monitor/internal/domain"
)

// Frame and response markers.
const (
	Header byte = 0xA5
	ACK    byte = 0x06
	NAK    byte = 0x15
	CSFAIL byte = 0x51
)

// Size limits.
const (
	// MaxData is the largest register payload a single transaction carries.
	MaxData = 32
	// maxFramePayload allows for the address-pointer sub-payload ahead of MaxData bytes.
	maxFramePayload = MaxData + 4
	frameOverhead   = 4 // header, length, command, checksum
	MaxFrameLen     = maxFramePayload + frameOverhead
)

// Command is a device command byte.
type Command byte

const (
	CmdSetAddressPointer         Command = 0x41
	CmdPageReadEEPROM            Command = 0x42
	CmdRegisterWrite             Command = 0x4D
	CmdRegisterRead              Command = 0x4E
	CmdBulkEraseEEPROM           Command = 0x4F
	CmdPageWriteEEPROM           Command = 0x50
	CmdSaveToFlash               Command = 0x53
	CmdAutoCalibrateGain         Command = 0x5A
	CmdAutoCalibrateFrequency    Command = 0x76
	CmdAutoCalibrateReactiveGain Command = 0x7A
)

// String returns a metric-friendly command name.
func (c Command) String() string {
	switch c {
	case CmdSetAddressPointer:
		return "set_address_pointer"
	case CmdPageReadEEPROM:
		return "page_read_eeprom"
	case CmdRegisterWrite:
		return "register_write"
	case CmdRegisterRead:
		return "register_read"
	case CmdBulkEraseEEPROM:
		return "bulk_erase_eeprom"
	case CmdPageWriteEEPROM:
		return "page_write_eeprom"
	case CmdSaveToFlash:
		return "save_to_flash"
	case CmdAutoCalibrateGain:
		return "auto_calibrate_gain"
	case CmdAutoCalibrateFrequency:
		return "auto_calibrate_frequency"
	case CmdAutoCalibrateReactiveGain:
		return "auto_calibrate_reactive_gain"
	default:
		return fmt.Sprintf("0x%02x", byte(c))
	}
}

// ExpectsData reports whether the device answers the command with a data frame
// rather than a bare ACK.
func (c Command) ExpectsData() bool {
	return c == CmdRegisterRead || c == CmdPageReadEEPROM
}

// Frame is one host-to-device frame.
type Frame struct {
	Command Command
	Payload []byte
}

// Checksum returns the 8-bit sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// EncodeFrame serializes f as [0xA5][LEN][CMD][PAYLOAD...][CHECKSUM].
// LEN is the total frame length.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > maxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrFrameTooLong, len(f.Payload))
	}

	n := len(f.Payload) + frameOverhead
	buf := make([]byte, 0, n)
	buf = append(buf, Header, byte(n), byte(f.Command))
	buf = append(buf, f.Payload...)
	buf = append(buf, Checksum(buf))
	return buf, nil
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < frameOverhead {
		return Frame{}, domain.ErrFrameTooShort
	}
	if len(b) > MaxFrameLen {
		return Frame{}, domain.ErrFrameTooLong
	}
	if b[0] != Header {
		return Frame{}, fmt.Errorf("%w: got 0x%02x", domain.ErrBadHeader, b[0])
	}
	if int(b[1]) != len(b) {
		return Frame{}, fmt.Errorf("%w: declared %d, got %d", domain.ErrLengthMismatch, b[1], len(b))
	}
	last := len(b) - 1
	if sum := Checksum(b[:last]); sum != b[last] {
		return Frame{}, fmt.Errorf("%w: computed 0x%02x, got 0x%02x", domain.ErrChecksumMismatch, sum, b[last])
	}

	f := Frame{Command: Command(b[2])}
	if last > 3 {
		f.Payload = append([]byte(nil), b[3:last]...)
	}
	return f, nil
}

// ReadRegisterFrame positions the address pointer and requests n bytes.
func ReadRegisterFrame(addr uint16, n uint8) Frame {
	return Frame{
		Command: CmdSetAddressPointer,
		Payload: []byte{byte(addr >> 8), byte(addr), byte(CmdRegisterRead), n},
	}
}

// WriteRegisterFrame positions the address pointer and writes data.
func WriteRegisterFrame(addr uint16, data []byte) Frame {
	payload := make([]byte, 0, 4+len(data))
	payload = append(payload, byte(addr>>8), byte(addr), byte(CmdRegisterWrite), byte(len(data)))
	payload = append(payload, data...)
	return Frame{Command: CmdSetAddressPointer, Payload: payload}
}

// CommandFrame is a command with no address phase.
func CommandFrame(cmd Command, payload ...byte) Frame {
	f := Frame{Command: cmd}
	if len(payload) > 0 {
		f.Payload = append([]byte(nil), payload...)
	}
	return f
}
