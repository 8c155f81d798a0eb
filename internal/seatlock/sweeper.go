package seatlock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sweeper periodically removes expired locks.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	ticker   clockwork.Ticker
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

func NewSweeper(manager *Manager, interval time.Duration, clk clockwork.Clock, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		clock:    clk,
		logger:   logger,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs a sweep immediately and then once per interval until Stop is
// called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting expired lock sweeper", "interval", s.interval)

	s.ticker = s.clock.NewTicker(s.interval)
	go func() {
		defer close(s.stopped)
		s.sweep(ctx)
		for {
			select {
			case <-s.ticker.Chan():
				s.sweep(ctx)
			case <-ctx.Done():
				s.ticker.Stop()
				return
			case <-s.done:
				s.logger.Info("Expired lock sweeper stopped")
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.done)
	})
	if s.ticker != nil {
		<-s.stopped
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.manager.SweepExpiredLocks(ctx)
	if err != nil {
		s.logger.Error("Expired lock sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Swept expired locks", "count", n)
	} else {
		s.logger.Debug("No expired locks found")
	}
}
