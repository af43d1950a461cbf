package mcp

import (
	"fmt"

	"github.com/nexus-edge/energy-monitor/internal/domain"
)

// Status classifies the receiver after each byte.
type Status int

const (
	StatusBusy Status = iota
	StatusComplete
	StatusFail
	StatusChecksumFail
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusBusy:
		return "busy"
	case StatusComplete:
		return "complete"
	case StatusFail:
		return "fail"
	case StatusChecksumFail:
		return "checksum_fail"
	default:
		return "unknown"
	}
}

type rxState int

const (
	awaitHeaderOrStatus rxState = iota
	awaitLength
	awaitData
	awaitChecksum
)

// receiver parses one device response a byte at a time.
type receiver struct {
	state      rxState
	expectData bool
	limit      int
	remaining  int
	sum        byte
	buf        [MaxData]byte
	n          int
	err        error
}

// reset prepares for a new response. limit is the exact payload size a data
// response must declare.
func (r *receiver) reset(expectData bool, limit int) {
	if limit > MaxData {
		limit = MaxData
	}
	r.state = awaitHeaderOrStatus
	r.expectData = expectData
	r.limit = limit
	r.remaining = 0
	r.sum = 0
	r.n = 0
	r.err = nil
}

func (r *receiver) feed(b byte) Status {
	switch r.state {
	case awaitHeaderOrStatus:
		switch b {
		case NAK:
			r.err = domain.ErrDeviceNAK
			return StatusFail
		case CSFAIL:
			r.err = domain.ErrDeviceChecksum
			return StatusChecksumFail
		case ACK:
			if !r.expectData {
				return StatusComplete
			}
			r.sum = b
			r.state = awaitLength
		}
		// Anything else is line noise ahead of the status byte.
		return StatusBusy

	case awaitLength:
		declared := int(b)
		// Short and long responses are both malformed; the engine retries them.
		if declared < 3 || declared-3 != r.limit {
			r.err = fmt.Errorf("%w: declared length %d", domain.ErrMalformedResponse, declared)
			return StatusFail
		}
		r.sum += b
		r.remaining = declared - 3
		if r.remaining == 0 {
			r.state = awaitChecksum
		} else {
			r.state = awaitData
		}
		return StatusBusy

	case awaitData:
		r.buf[r.n] = b
		r.n++
		r.sum += b
		r.remaining--
		if r.remaining == 0 {
			r.state = awaitChecksum
		}
		return StatusBusy

	case awaitChecksum:
		if b != r.sum {
			r.err = fmt.Errorf("%w: computed 0x%02x, got 0x%02x", domain.ErrChecksumMismatch, r.sum, b)
			return StatusChecksumFail
		}
		return StatusComplete
	}
	return StatusBusy
}

// data returns a copy of the received payload.
func (r *receiver) data() []byte {
	if r.n == 0 {
		return nil
	}
	return append([]byte(nil), r.buf[:r.n]...)
}
