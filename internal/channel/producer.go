package channel

import "context"

// PerformFunc processes a message before dispatch. It returns the message to
// forward and whether to forward it at all.
type PerformFunc[T any] func(ctx context.Context, key Key, msg T) (T, bool, error)

// Producer publishes into one channel.
type Producer[T any] struct {
	ch      *Channel[T]
	perform PerformFunc[T]
}

// Channel returns the channel the producer publishes into.
func (p *Producer[T]) Channel() *Channel[T] { return p.ch }

// Push enqueues msg on every matching consumer. It blocks while a consumer
// FIFO is full.
func (p *Producer[T]) Push(ctx context.Context, key Key, msg T) error {
	return p.ch.send(ctx, key, msg)
}

// Perform runs the producer's processing step then dispatches the result to
// the consumers whose filters match.
func (p *Producer[T]) Perform(ctx context.Context, key Key, msg T) error {
	if p.perform != nil {
		out, forward, err := p.perform(ctx, key, msg)
		if err != nil {
			return err
		}
		if !forward {
			return nil
		}
		msg = out
	}
	return p.ch.send(ctx, key, msg)
}
