package updater

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-engine/internal/errs"
)

// Job runs fn every interval, never twice within minDelay. Retriable errors
// are logged and retried on the next tick, NotSupported suspends the job.
type Job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	suspended bool
	runs      int
}

// NewJob builds a stopped job. A zero minDelay disables rate limiting.
func NewJob(name string, interval, minDelay time.Duration, fn func(ctx context.Context) error, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &Job{
		name:     name,
		interval: interval,
		fn:       fn,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(zap.String("job", name)),
	}
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Start launches the loop. The first execution happens immediately.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.suspended = false
	go j.loop(ctx, j.done)
	return nil
}

func (j *Job) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := j.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errs.IsNotSupported(err) {
				j.logger.Warn("updater not supported by exchange, suspending", zap.Error(err))
				j.mu.Lock()
				j.suspended = true
				j.mu.Unlock()
				return
			}
			if errs.IsRetriable(err) {
				j.logger.Warn("updater failed, retrying next tick", zap.Error(err))
			} else {
				j.logger.Error("updater failed", zap.Error(err))
			}
		}
		if j.interval <= 0 {
			return
		}
		t := time.NewTimer(j.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOnce executes fn once, waiting for the rate limiter first.
func (j *Job) RunOnce(ctx context.Context) error {
	if err := j.limiter.Wait(ctx); err != nil {
		return err
	}
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	err := j.fn(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Stop cancels the loop and waits for it to exit.
func (j *Job) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Resume restarts a stopped or suspended job.
func (j *Job) Resume(ctx context.Context) error {
	j.mu.Lock()
	running := j.cancel != nil && !j.suspended
	j.mu.Unlock()
	if running {
		return nil
	}
	j.Stop()
	return j.Start(ctx)
}

// IsSuspended reports whether the job stopped on a NotSupported error.
func (j *Job) IsSuspended() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.suspended
}

// IsRunning reports whether the loop is active.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel != nil && !j.suspended
}

// Runs returns how many times fn was called.
func (j *Job) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}
