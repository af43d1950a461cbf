package mcp

import (
	"sync"
)

// mockPort is a Port that records writes and serves queued response bytes.
type mockPort struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	ReadFunc  func(p []byte) (int, error)
	WriteFunc func(p []byte) (int, error)
	// Respond, when set, is called with each complete frame written and
	// returns the bytes the device sends back.
	Respond func(frame []byte) []byte

	// Call tracking
	Frames     [][]byte
	Written    []byte
	FlushCalls int
	CloseCalls int

	rx []byte
}

func newMockPort() *mockPort {
	return &mockPort{}
}

// Inject makes bytes available to the next Read.
func (m *mockPort) Inject(b ...byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = append(m.rx, b...)
}

func (m *mockPort) Read(p []byte) (int, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.rx)
	m.rx = m.rx[n:]
	return n, nil
}

func (m *mockPort) Write(p []byte) (int, error) {
	if m.WriteFunc != nil {
		return m.WriteFunc(p)
	}
	m.mu.Lock()
	m.Written = append(m.Written, p...)
	var frame []byte
	// Frames are complete once LEN bytes have accumulated.
	if len(m.Written) >= 2 && len(m.Written) >= int(m.Written[1]) {
		frame = append([]byte(nil), m.Written[:m.Written[1]]...)
		m.Written = m.Written[m.Written[1]:]
		m.Frames = append(m.Frames, frame)
	}
	respond := m.Respond
	m.mu.Unlock()

	if frame != nil && respond != nil {
		m.Inject(respond(frame)...)
	}
	return len(p), nil
}

func (m *mockPort) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushCalls++
	m.rx = nil
	return nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

func (m *mockPort) frameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Frames)
}
