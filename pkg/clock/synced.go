package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Synced is the local clock corrected by the offset to an exchange server.
type Synced struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewSynced creates a server-synchronised clock. getServerTime returns the
// server time in unix milliseconds.
func NewSynced(getServerTime func(ctx context.Context) (int64, error), logger *zap.Logger) *Synced {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synced{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		logger:        logger.Named("clock"),
	}
}

// Start runs an initial sync then resyncs periodically until ctx is done.
func (s *Synced) Start(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("initial time sync failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sync(ctx); err != nil {
					s.logger.Warn("time sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sync measures the offset to the server once.
func (s *Synced) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := s.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// assume symmetric latency
	localTime := localBefore + (localAfter-localBefore)/2

	s.mu.Lock()
	s.offset = serverTime - localTime
	s.lastSync = time.Now()
	s.mu.Unlock()

	s.logger.Debug("time synced", zap.Int64("offset_ms", serverTime-localTime))
	return nil
}

// Now returns the local time adjusted for the server offset.
func (s *Synced) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Now().Add(time.Duration(s.offset) * time.Millisecond)
}

// Offset returns the current offset in milliseconds.
func (s *Synced) Offset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}
