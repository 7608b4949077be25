package trader

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/order"
)

// CreationResult is the outcome of an order created without waiting.
type CreationResult struct {
	OrderID   string        `json:"order_id"`
	Success   bool          `json:"success"`
	Err       error         `json:"-"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// creationPool opens orders in the background with bounded concurrency.
type creationPool struct {
	open    func(ctx context.Context, o *order.Order) error
	logger  *zap.Logger
	results chan CreationResult
	slots   chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func newCreationPool(open func(context.Context, *order.Order) error, workers int, logger *zap.Logger) *creationPool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &creationPool{
		open:    open,
		logger:  logger,
		results: make(chan CreationResult, 100),
		slots:   make(chan struct{}, workers),
	}
}

// Submit schedules o. It blocks while every worker is busy.
func (p *creationPool) Submit(ctx context.Context, o *order.Order) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.New(errs.OrderCreation, "trader stopped, order %s rejected", o.ID)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()

		start := time.Now()
		err := p.open(ctx, o)
		res := CreationResult{
			OrderID:   o.ID,
			Success:   err == nil,
			Err:       err,
			Latency:   time.Since(start),
			Timestamp: time.Now(),
		}
		if err != nil {
			res.ErrorMsg = err.Error()
			p.logger.Warn("background order creation failed",
				zap.String("order_id", o.ID), zap.Duration("latency", res.Latency), zap.Error(err))
		}
		select {
		case p.results <- res:
		default:
			p.logger.Warn("creation result dropped", zap.String("order_id", o.ID))
		}
	}()
	return nil
}

// Results streams creation outcomes. Results are dropped when nobody reads.
func (p *creationPool) Results() <-chan CreationResult { return p.results }

// Pending returns the number of running creations.
func (p *creationPool) Pending() int { return len(p.slots) }

// WaitAll waits for every running creation.
func (p *creationPool) WaitAll() { p.wg.Wait() }

// Close refuses new submissions and waits for the running ones.
func (p *creationPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	close(p.results)
}
