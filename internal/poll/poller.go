// Package poll drives the outbound dispatcher on a fixed cadence.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc runs one poll cycle. Its error is logged, never fatal: a bad
// cycle must not stop the cadence.
type TickFunc func(ctx context.Context) error

type Poller struct {
	interval time.Duration
	tick     TickFunc
	log      *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tick TickFunc, log *slog.Logger) (*Poller, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tick == nil {
		return nil, errors.New("tick must not be nil")
	}
	return &Poller{
		interval: interval,
		tick:     tick,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start begins polling with an immediate first cycle. Returns false when
// already running.
func (p *Poller) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.log.Info("poller started", slog.String("interval", p.interval.String()))

		p.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				p.log.Info("poller stopping")
				return
			case <-ticker.C:
				p.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop halts polling and waits for the in-flight cycle to finish. Returns
// false when not running.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return false
	}

	p.cancel()
	<-p.done
	p.running.Store(false)

	p.log.Info("poller stopped")
	return true
}

func (p *Poller) IsRunning() bool {
	return p.running.Load()
}

func (p *Poller) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poll cycle panic recovered", slog.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := p.tick(ctx); err != nil {
		p.log.Error("poll cycle failed", slog.Any("err", err))
		return
	}
	p.log.Debug("poll cycle completed", slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}
