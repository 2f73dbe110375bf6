// Package agent runs the autonomous per-market trading loops: a market
// maker keeping pool liquidity above its floor and an arbitrageur keeping
// the pool spot price aligned with the oracle.
package agent

import (
	"context"
	"sync"
	"time"
)

// Ticker abstracts the cycle clock so tests can drive ticks deterministically.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds the ticker for one runner.
type TickerFactory func(interval time.Duration) Ticker

// NewWallClockTicker is the production TickerFactory.
func NewWallClockTicker(interval time.Duration) Ticker {
	return &wallTicker{t: time.NewTicker(interval)}
}

type wallTicker struct{ t *time.Ticker }

func (w *wallTicker) C() <-chan time.Time { return w.t.C }
func (w *wallTicker) Stop()               { w.t.Stop() }

// runner drives one agent's repeating cycle. Stop is terminal: it cancels
// the loop and blocks until the in-flight cycle (if any) has returned, so
// no activity is emitted after Stop returns.
type runner struct {
	interval  time.Duration
	newTicker TickerFactory

	// cycle executes one decision; consecutive errors beyond errBound move
	// the runner to the error exit.
	cycle    func(ctx context.Context) error
	errBound int
	// onExit runs exactly once when the loop ends; fatal is non-nil only
	// for the consecutive-failure exit.
	onExit func(fatal error)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newRunner(interval time.Duration, factory TickerFactory, errBound int, cycle func(ctx context.Context) error, onExit func(fatal error)) *runner {
	if factory == nil {
		factory = NewWallClockTicker
	}
	return &runner{
		interval:  interval,
		newTicker: factory,
		cycle:     cycle,
		errBound:  errBound,
		onExit:    onExit,
		done:      make(chan struct{}),
	}
}

// start launches the loop. ctx bounds the loop's lifetime in addition to
// Stop.
func (r *runner) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

func (r *runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := r.newTicker(r.interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			r.onExit(nil)
			return
		case <-ticker.C():
		}

		if ctx.Err() != nil {
			r.onExit(nil)
			return
		}

		if err := r.cycle(ctx); err != nil {
			consecutive++
			if r.errBound > 0 && consecutive >= r.errBound {
				r.onExit(err)
				return
			}
			continue
		}
		consecutive = 0
	}
}

// stop cancels the loop and waits for it to finish.
func (r *runner) stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
	<-r.done
}
