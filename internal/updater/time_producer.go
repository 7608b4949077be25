package updater

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/channel"
	"trading-engine/internal/events"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/clock"
)

// TimeProducer walks backtesting time from start to end. Each step moves the
// simulated clock then pushes a tick; on a synchronized channel the push
// returns once every supervised consumer handled it.
type TimeProducer struct {
	clock    *clock.Simulated
	producer *channel.Producer[TimeTick]
	start    time.Time
	end      time.Time
	step     time.Duration
	logger   *zap.Logger
	finished *events.Event

	mu      sync.Mutex
	current time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewTimeProducer builds a producer stepping by step.
func NewTimeProducer(c *clock.Simulated, ch *channel.Channel[TimeTick], start, end time.Time, step time.Duration, logger *zap.Logger) *TimeProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if step <= 0 {
		step = symbol.OneMinute.Duration()
	}
	return &TimeProducer{
		clock:    c,
		producer: ch.NewProducer(nil),
		start:    start,
		end:      end,
		step:     step,
		logger:   logger.Named("time_producer"),
		finished: events.NewEvent(),
	}
}

// FinestStep returns the period of the finest time frame, one minute when
// none is given.
func FinestStep(tfs []symbol.TimeFrame) time.Duration {
	if len(tfs) == 0 {
		return symbol.OneMinute.Duration()
	}
	finest := tfs[0]
	for _, tf := range tfs[1:] {
		if tf.FinerThan(finest) {
			finest = tf
		}
	}
	return finest.Duration()
}

// Name returns the channel the producer feeds.
func (p *TimeProducer) Name() string { return ChannelTime }

// Start runs the walk in the background.
func (p *TimeProducer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		err := p.Run(ctx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}(p.done)
	return nil
}

// Run walks the whole range in the calling goroutine.
func (p *TimeProducer) Run(ctx context.Context) error {
	p.logger.Info("backtest started", zap.Time("start", p.start), zap.Time("end", p.end), zap.Duration("step", p.step))
	for t := p.start; !t.After(p.end); t = t.Add(p.step) {
		p.clock.Set(t)
		p.mu.Lock()
		p.current = t
		p.mu.Unlock()
		if err := p.producer.Push(ctx, channel.Key{}, TimeTick{Time: t}); err != nil {
			return err
		}
	}
	p.finished.Set()
	p.logger.Info("backtest finished")
	return nil
}

// Stop interrupts a background walk.
func (p *TimeProducer) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Finished is set once the end time was pushed.
func (p *TimeProducer) Finished() *events.Event { return p.finished }

// Err returns the error that ended a background walk.
func (p *TimeProducer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Progress returns the walked share of the range in [0, 1].
func (p *TimeProducer) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.end.Sub(p.start)
	if total <= 0 || p.current.IsZero() {
		if p.finished.IsSet() {
			return 1
		}
		return 0
	}
	return float64(p.current.Sub(p.start)) / float64(total)
}
