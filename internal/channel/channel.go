// Package channel implements the per-exchange publish/subscribe fabric:
// typed channels with producers, filtered consumers and a registry keyed by
// (exchange id, channel name).
package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is a producer with its own lifecycle, such as an updater.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
}

// Modifier applies a change of tracked pairs to whatever feeds a channel.
type Modifier func(ctx context.Context, added, removed []string) error

type options struct {
	logger       *zap.Logger
	synchronized bool
	modifier     Modifier
}

// Option configures a channel.
type Option func(*options)

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Synchronized makes every push wait for supervised consumers to drain,
// which keeps backtests deterministic.
func Synchronized() Option {
	return func(o *options) { o.synchronized = true }
}

// WithModifier sets the handler for Modify.
func WithModifier(m Modifier) Option {
	return func(o *options) { o.modifier = m }
}

// Channel is a named broker carrying messages of type T.
type Channel[T any] struct {
	name   string
	opts   options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	consumers []*Consumer[T]
	producers []Runner
	stopped   bool
}

// New creates a channel. Consumers run until Stop.
func New[T any](name string, opts ...Option) *Channel[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel[T]{
		name:   name,
		opts:   o,
		logger: o.logger.Named("channel").With(zap.String("channel", name)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the channel name.
func (c *Channel[T]) Name() string { return c.name }

// IsSynchronized reports whether pushes wait for supervised consumers.
func (c *Channel[T]) IsSynchronized() bool { return c.opts.synchronized }

// SetModifier replaces the Modify handler.
func (c *Channel[T]) SetModifier(m Modifier) {
	c.mu.Lock()
	c.opts.modifier = m
	c.mu.Unlock()
}

// NewConsumer registers and starts a consumer.
func (c *Channel[T]) NewConsumer(cb Callback[T], opts ...ConsumerOption) *Consumer[T] {
	cons := newConsumer(cb, c.logger, opts...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return cons
	}
	cons.start(c.ctx)
	c.consumers = append(c.consumers, cons)
	return cons
}

// RemoveConsumer stops and unregisters cons.
func (c *Channel[T]) RemoveConsumer(cons *Consumer[T]) {
	c.mu.Lock()
	for i, existing := range c.consumers {
		if existing == cons {
			c.consumers = append(c.consumers[:i:i], c.consumers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	cons.Stop()
}

// Consumers returns the consumers whose filters accept key.
func (c *Channel[T]) Consumers(key Key) []*Consumer[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Consumer[T], 0, len(c.consumers))
	for _, cons := range c.consumers {
		if cons.Matches(key) {
			out = append(out, cons)
		}
	}
	return out
}

// ConsumerCount returns the number of registered consumers.
func (c *Channel[T]) ConsumerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.consumers)
}

// AddProducer attaches a running producer so it is stopped with the channel.
func (c *Channel[T]) AddProducer(r Runner) {
	c.mu.Lock()
	c.producers = append(c.producers, r)
	c.mu.Unlock()
}

// Producers returns the attached running producers.
func (c *Channel[T]) Producers() []Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Runner(nil), c.producers...)
}

// NewProducer returns a producer bound to this channel. perform may be nil.
func (c *Channel[T]) NewProducer(perform PerformFunc[T]) *Producer[T] {
	return &Producer[T]{ch: c, perform: perform}
}

func (c *Channel[T]) send(ctx context.Context, key Key, msg T) error {
	targets := c.Consumers(key)
	env := envelope[T]{key: key, msg: msg}
	for _, cons := range targets {
		if err := cons.enqueue(ctx, env); err != nil {
			return err
		}
	}
	if !c.opts.synchronized {
		return nil
	}
	for _, cons := range targets {
		if !cons.IsSupervised() {
			continue
		}
		if err := cons.Join(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Join waits for every consumer to drain its queue.
func (c *Channel[T]) Join(ctx context.Context) error {
	c.mu.RLock()
	consumers := append([]*Consumer[T](nil), c.consumers...)
	c.mu.RUnlock()
	for _, cons := range consumers {
		if err := cons.Join(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Modify forwards a change of tracked pairs to the channel's feed.
func (c *Channel[T]) Modify(ctx context.Context, added, removed []string) error {
	c.mu.RLock()
	m := c.opts.modifier
	c.mu.RUnlock()
	if m == nil {
		return nil
	}
	return m(ctx, added, removed)
}

// StopProducers stops the producers in reverse creation order. Consumers
// keep running until Stop.
func (c *Channel[T]) StopProducers() {
	c.mu.Lock()
	producers := c.producers
	c.producers = nil
	c.mu.Unlock()
	for i := len(producers) - 1; i >= 0; i-- {
		producers[i].Stop()
	}
}

// Stop stops producers first, then consumers, each in reverse creation order.
func (c *Channel[T]) Stop() {
	c.StopProducers()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	consumers := c.consumers
	c.consumers = nil
	c.mu.Unlock()

	for i := len(consumers) - 1; i >= 0; i-- {
		consumers[i].Stop()
	}
	c.cancel()
	c.logger.Debug("channel stopped")
}
