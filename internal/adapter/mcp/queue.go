package mcp

import (
	"fmt"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
)

// Transaction is one queued device operation.
type Transaction struct {
	ID      uint64
	Command Command
	// Address is the register address, or the page number for EEPROM page commands.
	Address uint16
	Payload []byte
	// ReadLength is the number of data bytes expected back for read commands.
	ReadLength int

	Enqueued  time.Time
	FirstSent time.Time
	Attempts  int
}

// validate checks the transaction against the wire limits.
func (t *Transaction) validate() error {
	if len(t.Payload) > MaxData {
		return fmt.Errorf("%w: %d bytes", domain.ErrPayloadTooLong, len(t.Payload))
	}
	switch t.Command {
	case CmdRegisterRead, CmdPageReadEEPROM:
		if t.ReadLength <= 0 || t.ReadLength > MaxData {
			return fmt.Errorf("%w: read length %d", domain.ErrInvalidDataLength, t.ReadLength)
		}
	case CmdRegisterWrite:
		if len(t.Payload) == 0 {
			return fmt.Errorf("%w: empty write", domain.ErrInvalidDataLength)
		}
	}
	if (t.Command == CmdPageReadEEPROM || t.Command == CmdPageWriteEEPROM) && t.Address > 0xFF {
		return fmt.Errorf("%w: %d", domain.ErrInvalidPage, t.Address)
	}
	return nil
}

// frame builds the wire frame for the transaction.
func (t *Transaction) frame() Frame {
	switch t.Command {
	case CmdRegisterRead:
		return ReadRegisterFrame(t.Address, uint8(t.ReadLength))
	case CmdRegisterWrite:
		return WriteRegisterFrame(t.Address, t.Payload)
	case CmdSetAddressPointer:
		return CommandFrame(t.Command, byte(t.Address>>8), byte(t.Address))
	case CmdPageReadEEPROM:
		return CommandFrame(t.Command, byte(t.Address))
	case CmdPageWriteEEPROM:
		return CommandFrame(t.Command, append([]byte{byte(t.Address)}, t.Payload...)...)
	default:
		return CommandFrame(t.Command, t.Payload...)
	}
}

// Queue is a FIFO of pending transactions. The head stays in place until Pop.
type Queue struct {
	items  []*Transaction
	nextID uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends t, assigning the next id.
func (q *Queue) Enqueue(t Transaction) (uint64, error) {
	if err := t.validate(); err != nil {
		return 0, err
	}
	q.nextID++
	t.ID = q.nextID
	t.Payload = append([]byte(nil), t.Payload...)
	if t.Enqueued.IsZero() {
		t.Enqueued = time.Now()
	}
	q.items = append(q.items, &t)
	return t.ID, nil
}

// Head returns the oldest pending transaction without removing it.
func (q *Queue) Head() *Transaction {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes and returns the head.
func (q *Queue) Pop() *Transaction {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

// Len returns the number of pending transactions.
func (q *Queue) Len() int {
	return len(q.items)
}

// IDs returns the pending ids in order.
func (q *Queue) IDs() []uint64 {
	ids := make([]uint64, len(q.items))
	for i, t := range q.items {
		ids[i] = t.ID
	}
	return ids
}
