package meter

import (
	"testing"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/adapter/mcp"
	"github.com/nexus-edge/energy-monitor/pkg/event"
)

// mockEngine records enqueued transactions and lets tests complete them.
type mockEngine struct {
	// Function overrides for custom behavior
	EnqueueFunc func(cmd mcp.Command, addr uint16, payload []byte, readLen int) (uint64, error)
	ReopenFunc  func() error

	// Call tracking
	Enqueued    []mcp.Transaction
	ReopenCalls int

	nextID      uint64
	completions event.Feed[mcp.Completion]
}

func newMockEngine() *mockEngine {
	return &mockEngine{}
}

func (m *mockEngine) Enqueue(cmd mcp.Command, addr uint16, payload []byte, readLen int) (uint64, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(cmd, addr, payload, readLen)
	}
	m.nextID++
	m.Enqueued = append(m.Enqueued, mcp.Transaction{
		ID:         m.nextID,
		Command:    cmd,
		Address:    addr,
		Payload:    append([]byte(nil), payload...),
		ReadLength: readLen,
	})
	return m.nextID, nil
}

func (m *mockEngine) OnComplete(fn func(mcp.Completion)) func() {
	return m.completions.Subscribe(fn)
}

func (m *mockEngine) Reopen() error {
	m.ReopenCalls++
	if m.ReopenFunc != nil {
		return m.ReopenFunc()
	}
	return nil
}

// complete publishes a completion for id.
func (m *mockEngine) complete(id uint64, data []byte) {
	var tx mcp.Transaction
	for _, t := range m.Enqueued {
		if t.ID == id {
			tx = t
		}
	}
	m.completions.Publish(mcp.Completion{ID: id, Command: tx.Command, Address: tx.Address, Data: data})
}

// completeAll completes every enqueued transaction in order, answering reads
// with zeroed data of the requested length.
func (m *mockEngine) completeAll() {
	pending := m.Enqueued
	for _, t := range pending {
		m.complete(t.ID, make([]byte, t.ReadLength))
	}
}

// mustEncode packs regs or fails the test.
func mustEncode[T Registers](t *testing.T, regs T) []byte {
	t.Helper()
	raw, err := Encode(regs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

// mockScheduler queues delayed closures until run is called.
type mockScheduler struct {
	Delays []time.Duration
	queue  []func()
}

func (s *mockScheduler) After(d time.Duration, fn func()) {
	s.Delays = append(s.Delays, d)
	s.queue = append(s.queue, fn)
}

// run executes queued closures, including any they schedule.
func (s *mockScheduler) run() {
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		fn()
	}
}

// mockResetLine counts reset line transitions.
type mockResetLine struct {
	AssertCalls  int
	ReleaseCalls int
}

func (r *mockResetLine) Assert() error {
	r.AssertCalls++
	return nil
}

func (r *mockResetLine) Release() error {
	r.ReleaseCalls++
	return nil
}
