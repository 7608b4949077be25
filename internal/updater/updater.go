package updater

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trading-engine/pkg/clock"
)

// Pairs is the live view of what an exchange manager tracks. Updaters read
// it on every run so pair changes apply on the next tick.
type Pairs interface {
	TradedSymbols() []string
	TimeFrames() []string
}

// FetchFunc fetches one round of data and pushes it to a channel.
type FetchFunc func(ctx context.Context) error

// Config tunes an updater.
type Config struct {
	Interval time.Duration
	MinDelay time.Duration
	// Limit bounds history requests: candles on the first fetch, book
	// depth, recent trades.
	Limit  int
	Clock  clock.Clock
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	return c
}

// Updater is a long-running producer: a named fetch function scheduled by a
// Job. It implements channel.Runner.
type Updater struct {
	name  string
	fetch FetchFunc
	job   *Job
}

// New builds a stopped updater.
func New(name string, cfg Config, fetch FetchFunc) *Updater {
	cfg = cfg.withDefaults()
	return &Updater{
		name:  name,
		fetch: fetch,
		job:   NewJob(name, cfg.Interval, cfg.MinDelay, fetch, cfg.Logger.Named("updater")),
	}
}

// Name returns the channel the updater feeds.
func (u *Updater) Name() string { return u.name }

// Start begins periodic fetching.
func (u *Updater) Start(ctx context.Context) error { return u.job.Start(ctx) }

// Stop cancels the job.
func (u *Updater) Stop() { u.job.Stop() }

// Resume restarts a stopped or suspended updater.
func (u *Updater) Resume(ctx context.Context) error { return u.job.Resume(ctx) }

// Fetch runs one round outside the schedule.
func (u *Updater) Fetch(ctx context.Context) error { return u.fetch(ctx) }

// Job exposes the scheduling state.
func (u *Updater) Job() *Job { return u.job }
