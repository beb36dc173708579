// Package maintenance runs periodic cache upkeep.
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sweepable removes cache entries past their retention window.
type Sweepable interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper calls Sweep on a fixed interval until stopped.
type Sweeper struct {
	target   Sweepable
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewSweeper returns a stopped sweeper. If interval is <= 0, one hour is used.
func NewSweeper(target Sweepable, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger.Named("sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs a single sweep and logs the outcome.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.target.Sweep(ctx)
	if err != nil {
		s.logger.Warn("cache_sweep_failed",
			zap.Int("deleted", n),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return n
	}
	s.logger.Info("cache_sweep",
		zap.Int("deleted", n),
		zap.Duration("duration", time.Since(start)),
	)
	return n
}

// Stop ends the loop and waits for an in-flight sweep. Safe to call twice.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if !s.started.Load() {
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.timeout):
	}
}
