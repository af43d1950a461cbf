// Package service wires the meter, the reference analyzer and telemetry
// together on a single scheduler goroutine.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/rs/zerolog"
)

// Ticker is driven by the loop: Service on every service tick and PumpTx on
// every transmit tick.
type Ticker interface {
	Service()
	PumpTx()
}

// LoopConfig holds scheduler configuration.
type LoopConfig struct {
	// ServiceInterval drives the engine's receive/dispatch step.
	ServiceInterval time.Duration
	// TxInterval paces transmitted bytes. Zero disables the transmit ticker.
	TxInterval time.Duration
	// QueueSize bounds the number of posted closures waiting to run.
	QueueSize int
}

// LoopStats tracks loop activity.
type LoopStats struct {
	ServiceTicks atomic.Uint64
	Posted       atomic.Uint64
	Dropped      atomic.Uint64
}

// Loop is the single goroutine that owns the engine, the register interface,
// the calibrator, the monitor and the analyzer client. Other goroutines only
// hand it work through Post.
type Loop struct {
	config  LoopConfig
	ticker  Ticker
	logger  zerolog.Logger
	posted  chan func()
	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   *LoopStats
}

// NewLoop creates a scheduler loop.
func NewLoop(config LoopConfig, ticker Ticker, logger zerolog.Logger) *Loop {
	if config.ServiceInterval <= 0 {
		config.ServiceInterval = 50 * time.Millisecond
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}

	return &Loop{
		config: config,
		ticker: ticker,
		logger: logger.With().Str("component", "loop").Logger(),
		posted: make(chan func(), config.QueueSize),
		done:   make(chan struct{}),
		stats:  &LoopStats{},
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	if l.started.Swap(true) {
		return nil
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.logger.Info().
		Dur("service_interval", l.config.ServiceInterval).
		Dur("tx_interval", l.config.TxInterval).
		Msg("Starting scheduler loop")

	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

// Stop stops the loop and waits for it to exit.
func (l *Loop) Stop(ctx context.Context) error {
	if !l.started.Load() {
		return nil
	}
	l.cancel()

	exited := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		l.logger.Info().Msg("Scheduler loop stopped")
		return nil
	case <-ctx.Done():
		l.logger.Warn().Msg("Timeout waiting for scheduler loop to stop")
		return ctx.Err()
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.done)

	service := time.NewTicker(l.config.ServiceInterval)
	defer service.Stop()

	var txC <-chan time.Time
	if l.config.TxInterval > 0 {
		tx := time.NewTicker(l.config.TxInterval)
		defer tx.Stop()
		txC = tx.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-service.C:
			l.stats.ServiceTicks.Add(1)
			l.ticker.Service()
		case <-txC:
			l.ticker.PumpTx()
		case fn := <-l.posted:
			fn()
		}
	}
}

// Post queues fn to run on the loop goroutine. Closures posted after the
// loop has exited are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		l.stats.Dropped.Add(1)
		return
	default:
	}
	select {
	case l.posted <- fn:
		l.stats.Posted.Add(1)
	case <-l.done:
		l.stats.Dropped.Add(1)
	}
}

// After runs fn on the loop goroutine once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { l.Post(fn) })
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return domain.ErrServiceStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns loop statistics.
func (l *Loop) Stats() *LoopStats {
	return l.stats
}
