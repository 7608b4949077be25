package updater

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"trading-engine/internal/channel"
	"trading-engine/internal/errs"
)

// Simulated runs an updater on every backtesting time tick instead of on a
// timer, so backtests go through the same push path as live trading.
type Simulated struct {
	u      *Updater
	ticks  *channel.Channel[TimeTick]
	logger *zap.Logger

	mu        sync.Mutex
	consumer  *channel.Consumer[TimeTick]
	suspended bool
}

// NewSimulated wraps u. The updater's own job is never started.
func NewSimulated(u *Updater, ticks *channel.Channel[TimeTick], logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{u: u, ticks: ticks, logger: logger.Named("updater").With(zap.String("job", u.Name()), zap.Bool("simulated", true))}
}

// Name returns the wrapped updater name.
func (s *Simulated) Name() string { return s.u.Name() }

// Start subscribes to the time channel as a supervised consumer.
func (s *Simulated) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer != nil {
		return nil
	}
	s.suspended = false
	s.consumer = s.ticks.NewConsumer(s.onTick, channel.WithName(s.u.Name()), channel.Internal(), channel.Supervised())
	return nil
}

func (s *Simulated) onTick(ctx context.Context, _ channel.Key, _ TimeTick) error {
	s.mu.Lock()
	suspended := s.suspended
	s.mu.Unlock()
	if suspended {
		return nil
	}
	err := s.u.Fetch(ctx)
	switch {
	case err == nil || ctx.Err() != nil:
		return nil
	case errs.IsNotSupported(err):
		s.logger.Warn("updater not supported by exchange, suspending", zap.Error(err))
		s.mu.Lock()
		s.suspended = true
		s.mu.Unlock()
		return nil
	case errs.IsRetriable(err):
		s.logger.Warn("updater failed, retrying next tick", zap.Error(err))
		return nil
	}
	return err
}

// Stop unsubscribes from the time channel.
func (s *Simulated) Stop() {
	s.mu.Lock()
	c := s.consumer
	s.consumer = nil
	s.mu.Unlock()
	if c != nil {
		s.ticks.RemoveConsumer(c)
	}
}

// Resume resubscribes after Stop.
func (s *Simulated) Resume(ctx context.Context) error { return s.Start(ctx) }
