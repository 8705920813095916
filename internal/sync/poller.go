package sync

import (
	"errors"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval bounds staleness when the push channel is silent.
const DefaultPollInterval = time.Second

// ErrPollerRunning is returned by Start on a poller that was not stopped.
var ErrPollerRunning = errors.New("sync: poller already running")

// Ticker is the subset of *time.Ticker the poller uses. Tests substitute a
// manually driven implementation.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time {
	return r.t.C
}

func (r realTicker) Stop() {
	r.t.Stop()
}

// NewRealTicker is the default TickerFunc.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Poller invokes a callback on a fixed wall-clock period. Ticks are never
// chained to callback completion: a slow callback delays only itself, and
// ticks that arrive while it runs are dropped by the underlying ticker.
// Callers that fetch should make onTick non-blocking.
type Poller struct {
	logger    *slog.Logger
	newTicker TickerFunc

	mu   stdsync.Mutex
	stop chan struct{}
	done chan struct{}

	ticks atomic.Int64
}

// NewPoller creates a stopped poller. A nil newTicker uses time.Ticker.
func NewPoller(newTicker TickerFunc, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}

	if newTicker == nil {
		newTicker = NewRealTicker
	}

	return &Poller{logger: logger, newTicker: newTicker}
}

// Start begins invoking onTick every interval. A non-positive interval
// uses DefaultPollInterval.
func (p *Poller) Start(interval time.Duration, onTick func()) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		return ErrPollerRunning
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop, p.done = stop, done

	t := p.newTicker(interval)

	go func() {
		defer close(done)
		defer t.Stop()

		for {
			select {
			case <-stop:
				return
			case <-t.C():
				// A tick and a stop can be ready together; stop wins.
				select {
				case <-stop:
					return
				default:
				}

				p.ticks.Add(1)
				onTick()
			}
		}
	}()

	p.logger.Debug("poller started", slog.Duration("interval", interval))

	return nil
}

// Stop halts the poller and waits for its goroutine to exit, so no tick
// fires after Stop returns. Stop is idempotent. It must not be called from
// inside onTick.
func (p *Poller) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}

	close(stop)
	<-done

	p.logger.Debug("poller stopped", slog.Int64("ticks", p.ticks.Load()))
}

// Running reports whether Start has been called without a matching Stop.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stop != nil
}

// Ticks returns the number of ticks delivered since creation.
func (p *Poller) Ticks() int64 {
	return p.ticks.Load()
}
