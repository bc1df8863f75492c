package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
)

// Sweeper deletes queue entries older than the retention period on a cron
// schedule. A zero period disables the sweep.
type Sweeper struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
	cron   string
	period time.Duration
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper. Validates the cron expression up front so a
// bad config fails at startup rather than silently never sweeping.
func NewSweeper(st Store, b *bus.Bus, logger *zap.Logger, cron string, period time.Duration) (*Sweeper, error) {
	if period > 0 && !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %q", cron)
	}
	return &Sweeper{store: st, bus: b, logger: logger, cron: cron, period: period}, nil
}

// Start launches the scheduler goroutine. No-op when retention is disabled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.period <= 0 {
		s.logger.Info("offline retention disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("offline retention scheduled",
		zap.String("cron", s.cron), zap.Duration("period", s.period))
	go s.loop(ctx)
}

// Stop cancels the scheduler.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTick(s.cron, false)
		if err != nil {
			s.logger.Error("retention next tick", zap.Error(err))
			return
		}
		select {
		case <-time.After(time.Until(next)):
			s.RunOnce()
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce() {
	cutoff := time.Now().Add(-s.period).UnixMilli()
	n, err := s.store.SweepOffline(cutoff)
	if err != nil {
		s.logger.Error("offline sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("offline entries swept", zap.Int64("count", n))
		s.bus.Publish(bus.Event{Kind: bus.KindOfflineSwept, Timestamp: time.Now(), Payload: n})
	}
}
