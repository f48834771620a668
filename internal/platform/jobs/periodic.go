package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepFunc removes up to one batch of expired records and reports how many it removed.
type SweepFunc func(ctx context.Context) (int, error)

// Sweeper runs a SweepFunc on a fixed interval until stopped.
type Sweeper struct {
	name     string
	interval time.Duration
	sweep    SweepFunc
	logger   *zap.Logger

	once sync.Once
	stop context.CancelFunc
	done chan struct{}
}

// NewSweeper constructs a sweeper. A non-positive interval yields a sweeper that never runs.
func NewSweeper(name string, interval time.Duration, sweep SweepFunc, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		name:     name,
		interval: interval,
		sweep:    sweep,
		logger:   logger.With(zap.String("sweeper", name)),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.sweep == nil || s.interval <= 0 {
		if s != nil {
			s.once.Do(func() { close(s.done) })
		}
		return
	}
	s.once.Do(func() {
		ctx, s.stop = context.WithCancel(ctx)
		go s.loop(ctx)
	})
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.done) })
	if s.stop != nil {
		s.stop()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	removed, err := s.sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("sweep removed records", zap.Int("count", removed))
	}
}
