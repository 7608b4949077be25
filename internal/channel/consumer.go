package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"trading-engine/internal/events"
)

// Wildcard matches every symbol or time frame.
const Wildcard = "*"

const defaultQueueSize = 256

// Key carries the filter values of a message.
type Key struct {
	Symbol    string
	TimeFrame string
}

// Callback handles one message. It must not block for long: heavy work is
// dispatched to its own goroutine.
type Callback[T any] func(ctx context.Context, key Key, msg T) error

type consumerOptions struct {
	name       string
	symbol     string
	timeFrame  string
	queueSize  int
	internal   bool
	supervised bool
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumerOptions)

// WithName labels the consumer in logs.
func WithName(name string) ConsumerOption {
	return func(o *consumerOptions) { o.name = name }
}

// WithSymbol only delivers messages for symbol.
func WithSymbol(symbol string) ConsumerOption {
	return func(o *consumerOptions) { o.symbol = symbol }
}

// WithTimeFrame only delivers messages for tf.
func WithTimeFrame(tf string) ConsumerOption {
	return func(o *consumerOptions) { o.timeFrame = tf }
}

// WithQueueSize bounds the consumer FIFO.
func WithQueueSize(n int) ConsumerOption {
	return func(o *consumerOptions) { o.queueSize = n }
}

// Internal marks a consumer owned by the engine itself.
func Internal() ConsumerOption {
	return func(o *consumerOptions) { o.internal = true }
}

// Supervised makes producers of synchronized channels wait for the consumer
// to drain before returning.
func Supervised() ConsumerOption {
	return func(o *consumerOptions) { o.supervised = true }
}

type envelope[T any] struct {
	key Key
	msg T
}

// Consumer owns a bounded FIFO drained by a single worker goroutine.
type Consumer[T any] struct {
	opts     consumerOptions
	callback Callback[T]
	queue    chan envelope[T]
	logger   *zap.Logger

	mu      sync.Mutex
	pending int
	idle    *events.Event

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newConsumer[T any](cb Callback[T], logger *zap.Logger, opts ...ConsumerOption) *Consumer[T] {
	o := consumerOptions{symbol: Wildcard, timeFrame: Wildcard, queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = defaultQueueSize
	}
	c := &Consumer[T]{
		opts:     o,
		callback: cb,
		queue:    make(chan envelope[T], o.queueSize),
		logger:   logger,
		idle:     events.NewEvent(),
		done:     make(chan struct{}),
	}
	c.idle.Set()
	return c
}

func (c *Consumer[T]) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	go c.run(ctx)
}

func (c *Consumer[T]) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.queue:
			if err := c.callback(ctx, env.key, env.msg); err != nil && ctx.Err() == nil {
				c.logger.Warn("consumer callback failed",
					zap.String("consumer", c.opts.name),
					zap.String("symbol", env.key.Symbol),
					zap.String("time_frame", env.key.TimeFrame),
					zap.Error(err))
			}
			c.markDone()
		}
	}
}

func (c *Consumer[T]) markDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending <= 0 {
		c.pending = 0
		c.idle.Set()
	}
}

// enqueue blocks while the FIFO is full.
func (c *Consumer[T]) enqueue(ctx context.Context, env envelope[T]) error {
	c.mu.Lock()
	c.pending++
	c.idle.Clear()
	c.mu.Unlock()

	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		c.markDone()
		return nil
	case <-ctx.Done():
		c.markDone()
		return ctx.Err()
	}
}

// Matches reports whether a message with key passes the consumer filters.
func (c *Consumer[T]) Matches(key Key) bool {
	return matches(c.opts.symbol, key.Symbol) && matches(c.opts.timeFrame, key.TimeFrame)
}

func matches(filter, value string) bool {
	return filter == Wildcard || filter == "" || filter == value
}

// Name returns the consumer label.
func (c *Consumer[T]) Name() string { return c.opts.name }

// IsInternal reports whether the consumer belongs to the engine.
func (c *Consumer[T]) IsInternal() bool { return c.opts.internal }

// IsSupervised reports whether producers wait on this consumer.
func (c *Consumer[T]) IsSupervised() bool { return c.opts.supervised }

// Pending returns the number of queued or in-flight messages.
func (c *Consumer[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Join waits until every queued message has been handled.
func (c *Consumer[T]) Join(ctx context.Context) error {
	select {
	case <-c.idle.Done():
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the worker. Queued messages are discarded.
func (c *Consumer[T]) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.idle.Set()
	})
}
