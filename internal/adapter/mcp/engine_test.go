package mcp

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, port *mockPort, config EngineConfig, reg *metrics.Registry) *Engine {
	t.Helper()
	if config.OpenTimeout == 0 {
		config.OpenTimeout = time.Minute
	}
	e := NewEngine(config, func() (Port, error) { return port, nil }, zerolog.Nop(), reg)
	if err := e.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	return e
}

// ackAll answers write-only frames with ACK and reads with a counting payload.
func ackAll(frame []byte) []byte {
	f, err := DecodeFrame(frame)
	if err != nil {
		return []byte{CSFAIL}
	}
	if f.Command == CmdSetAddressPointer && len(f.Payload) == 4 && Command(f.Payload[2]) == CmdRegisterRead {
		data := make([]byte, f.Payload[3])
		for i := range data {
			data[i] = byte(i)
		}
		return ackResponse(data...)
	}
	return []byte{ACK}
}

func TestEngine_ReadCompletes(t *testing.T) {
	port := newMockPort()
	e := newTestEngine(t, port, EngineConfig{}, nil)

	var got []Completion
	e.OnComplete(func(c Completion) { got = append(got, c) })

	id, err := e.Enqueue(CmdRegisterRead, 0x0000, nil, 4)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e.Service()
	if port.frameCount() != 1 {
		t.Fatalf("expected 1 frame sent, got %d", port.frameCount())
	}
	want := []byte{0xA5, 0x08, 0x41, 0x00, 0x00, 0x4E, 0x04}
	if !bytes.Equal(port.Frames[0][:7], want) {
		t.Errorf("expected frame prefix % x, got % x", want, port.Frames[0])
	}

	port.Inject(ackResponse(9, 8, 7, 6)...)
	e.Service()

	if len(got) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(got))
	}
	if got[0].ID != id || !bytes.Equal(got[0].Data, []byte{9, 8, 7, 6}) {
		t.Errorf("unexpected completion %+v", got[0])
	}
	if e.QueueLen() != 0 || e.InFlight() {
		t.Error("expected idle engine with empty queue")
	}
}

func TestEngine_SingleInFlightFIFO(t *testing.T) {
	port := newMockPort()
	port.Respond = ackAll
	e := newTestEngine(t, port, EngineConfig{}, nil)

	var order []uint64
	e.OnComplete(func(c Completion) { order = append(order, c.ID) })

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := e.Enqueue(CmdRegisterWrite, uint16(0x60+2*i), []byte{byte(i), 0}, 0)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	for tick := 0; tick < 20; tick++ {
		e.Service()
		// Every frame sent beyond the completions is the single in-flight one.
		if inFlight := port.frameCount() - len(order); inFlight > 1 {
			t.Fatalf("tick %d: %d transactions in flight", tick, inFlight)
		}
	}

	if len(order) != len(ids) {
		t.Fatalf("expected %d completions, got %d", len(ids), len(order))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Errorf("expected completion order %v, got %v", ids, order)
			break
		}
	}
}

func TestEngine_FailuresRetryInPlace(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
	}{
		{"nak", []byte{NAK}},
		{"device checksum failure", []byte{CSFAIL}},
		{"malformed length", []byte{ACK, 1}},
		{"short read response", ackResponse(1)},
		{"long read response", ackResponse(1, 2, 3)},
		{"bad response checksum", func() []byte {
			r := ackResponse(1, 2)
			r[len(r)-1] ^= 0xFF
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newMockPort()
			e := newTestEngine(t, port, EngineConfig{}, nil)

			completions := 0
			e.OnComplete(func(Completion) { completions++ })

			id, _ := e.Enqueue(CmdRegisterRead, 0x0002, nil, 2)
			e.Enqueue(CmdSaveToFlash, 0, nil, 0)

			e.Service()
			port.Inject(tt.response...)
			e.Service()

			if completions != 0 {
				t.Fatalf("failed transaction must not complete")
			}
			if e.QueueLen() != 2 {
				t.Fatalf("expected both transactions still queued, got %d", e.QueueLen())
			}
			if head := e.queue.Head(); head.ID != id || head.Attempts != 2 {
				t.Errorf("expected head %d resent once, got id %d attempts %d", id, head.ID, head.Attempts)
			}
			if port.frameCount() != 2 || !bytes.Equal(port.Frames[0], port.Frames[1]) {
				t.Errorf("expected identical resend, got %d frames", port.frameCount())
			}

			port.Inject(ackResponse(1, 2)...)
			e.Service()
			if completions != 1 || e.QueueLen() != 1 {
				t.Errorf("expected retry to complete, completions=%d queued=%d", completions, e.QueueLen())
			}
		})
	}
}

func TestEngine_TruncatedBankReadRetried(t *testing.T) {
	port := newMockPort()
	e := newTestEngine(t, port, EngineConfig{}, nil)

	var got []Completion
	e.OnComplete(func(c Completion) { got = append(got, c) })

	id, _ := e.Enqueue(CmdRegisterRead, 0x0002, nil, 30)

	e.Service()
	port.Inject(ackResponse(0x12, 0x34)...)
	e.Service()

	if len(got) != 0 {
		t.Fatalf("truncated response must not complete, got %d bytes", len(got[0].Data))
	}
	if e.QueueLen() != 1 || e.queue.Head().ID != id {
		t.Fatalf("expected transaction %d to stay at the head, queued=%d", id, e.QueueLen())
	}
	if e.Stats().Malformed.Load() != 1 {
		t.Errorf("expected 1 malformed response, got %d", e.Stats().Malformed.Load())
	}
	if port.frameCount() != 2 {
		t.Errorf("expected the read to be resent, got %d frames", port.frameCount())
	}

	full := make([]byte, 30)
	port.Inject(ackResponse(full...)...)
	e.Service()
	if len(got) != 1 || got[0].ID != id || len(got[0].Data) != 30 {
		t.Fatalf("expected full 30-byte completion for %d, got %+v", id, got)
	}
	if e.QueueLen() != 0 {
		t.Errorf("expected empty queue, got %d", e.QueueLen())
	}
}

func TestEngine_WatchdogRetries(t *testing.T) {
	port := newMockPort()
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	e := newTestEngine(t, port, EngineConfig{WatchdogTicks: 10}, reg)

	e.Enqueue(CmdAutoCalibrateGain, 0, nil, 0)

	for i := 0; i < 11; i++ {
		e.Service()
	}
	if port.frameCount() != 1 {
		t.Fatalf("expected no resend before watchdog expiry, got %d frames", port.frameCount())
	}

	e.Service()
	if port.frameCount() != 2 {
		t.Fatalf("expected resend after watchdog expiry, got %d frames", port.frameCount())
	}
	if e.Stats().WatchdogTimeouts.Load() != 1 {
		t.Errorf("expected 1 watchdog timeout, got %d", e.Stats().WatchdogTimeouts.Load())
	}
	if got := testutil.ToFloat64(reg.WatchdogTimeouts); got != 1 {
		t.Errorf("expected watchdog metric 1, got %v", got)
	}
	if e.QueueLen() != 1 {
		t.Errorf("timed out transaction must stay queued")
	}
}

func TestEngine_StrayBytesFlushedBeforeSend(t *testing.T) {
	port := newMockPort()
	e := newTestEngine(t, port, EngineConfig{}, nil)

	port.Inject(ACK, ACK, ACK)
	e.Enqueue(CmdSaveToFlash, 0, nil, 0)
	e.Service()
	e.Service()

	if e.QueueLen() != 1 {
		t.Error("stale ACK from before the transfer must not complete it")
	}
	if port.FlushCalls == 0 {
		t.Error("expected receive buffer flush before transfer")
	}
}

func TestEngine_InterBytePacing(t *testing.T) {
	port := newMockPort()
	e := newTestEngine(t, port, EngineConfig{InterByteDelay: 2 * time.Millisecond}, nil)

	e.Enqueue(CmdSaveToFlash, 0, nil, 0)
	e.Service()

	if len(port.Written) != 0 {
		t.Fatalf("expected no bytes written by Service, got %d", len(port.Written))
	}
	for i := 1; i <= 3; i++ {
		e.PumpTx()
		if len(port.Written) != i {
			t.Fatalf("expected %d bytes after %d pumps, got %d", i, i, len(port.Written))
		}
	}
	e.PumpTx()
	if port.frameCount() != 1 {
		t.Fatalf("expected full frame after 4 pumps, got %d frames", port.frameCount())
	}
	e.PumpTx()
	if port.frameCount() != 1 || len(port.Written) != 0 {
		t.Error("PumpTx wrote past the end of the frame")
	}
}

func TestEngine_LinkDownAfterThreshold(t *testing.T) {
	port := newMockPort()
	port.Respond = func([]byte) []byte { return []byte{NAK} }
	e := newTestEngine(t, port, EngineConfig{FailureThreshold: 3}, nil)

	var links []LinkState
	e.OnLinkState(func(ls LinkState) { links = append(links, ls) })

	id, _ := e.Enqueue(CmdSaveToFlash, 0, nil, 0)
	for i := 0; i < 10; i++ {
		e.Service()
	}

	if port.frameCount() != 3 {
		t.Errorf("expected transmission to stop after 3 failures, got %d frames", port.frameCount())
	}
	if len(links) != 1 || links[0].Up {
		t.Fatalf("expected one link-down event, got %+v", links)
	}
	if !errors.Is(links[0].Err, domain.ErrDeviceNAK) {
		t.Errorf("expected NAK cause, got %v", links[0].Err)
	}
	if e.QueueLen() != 1 || e.queue.Head().ID != id {
		t.Error("transaction must stay queued while the link is down")
	}
	if err := e.HealthCheck(context.Background()); !errors.Is(err, domain.ErrLinkDown) {
		t.Errorf("expected ErrLinkDown, got %v", err)
	}
}

func TestEngine_LinkRecovers(t *testing.T) {
	port := newMockPort()
	fail := true
	port.Respond = func([]byte) []byte {
		if fail {
			return []byte{NAK}
		}
		return []byte{ACK}
	}
	e := newTestEngine(t, port, EngineConfig{FailureThreshold: 2, OpenTimeout: 20 * time.Millisecond}, nil)

	var links []LinkState
	e.OnLinkState(func(ls LinkState) { links = append(links, ls) })

	completions := 0
	e.OnComplete(func(Completion) { completions++ })

	e.Enqueue(CmdSaveToFlash, 0, nil, 0)
	for i := 0; i < 3; i++ {
		e.Service()
	}
	if e.LinkUp() {
		t.Fatal("expected link down")
	}

	fail = false
	time.Sleep(40 * time.Millisecond)
	e.Service() // half-open retry is sent
	e.Service() // ACK completes it

	if completions != 1 {
		t.Fatalf("expected half-open retry to complete, got %d completions", completions)
	}
	if !e.LinkUp() || len(links) != 2 || !links[1].Up {
		t.Errorf("expected link restored, got %+v", links)
	}
}

func TestEngine_ReopenKeepsQueue(t *testing.T) {
	port := newMockPort()
	e := newTestEngine(t, port, EngineConfig{}, nil)

	e.Enqueue(CmdSaveToFlash, 0, nil, 0)
	e.Service()
	if !e.InFlight() {
		t.Fatal("expected transaction in flight")
	}

	if err := e.Reopen(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if port.CloseCalls != 1 {
		t.Errorf("expected port closed once, got %d", port.CloseCalls)
	}
	if e.InFlight() || e.QueueLen() != 1 {
		t.Error("reopen must abandon the attempt but keep the transaction")
	}

	e.Service()
	if port.frameCount() != 2 {
		t.Errorf("expected resend after reopen, got %d frames", port.frameCount())
	}
}

func TestEngine_HealthCheckPortClosed(t *testing.T) {
	e := NewEngine(EngineConfig{}, func() (Port, error) { return nil, errors.New("no such device") }, zerolog.Nop(), nil)

	if err := e.Open(); !errors.Is(err, domain.ErrPortOpenFailed) {
		t.Errorf("expected ErrPortOpenFailed, got %v", err)
	}
	if err := e.HealthCheck(context.Background()); !errors.Is(err, domain.ErrPortNotOpen) {
		t.Errorf("expected ErrPortNotOpen, got %v", err)
	}

	// Service without a port is a no-op.
	e.Enqueue(CmdSaveToFlash, 0, nil, 0)
	e.Service()
	if e.InFlight() {
		t.Error("nothing can be in flight without a port")
	}
}
