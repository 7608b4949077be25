package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewSimulated(start)
	assert.Equal(t, start, c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start.Add(time.Minute), c.Now(), "clock never moves backwards")

	c.Set(start.Add(time.Hour))
	assert.Equal(t, start.Add(time.Hour), c.Now())
}

func TestSyncedOffset(t *testing.T) {
	server := func(ctx context.Context) (int64, error) {
		return time.Now().Add(2 * time.Second).UnixMilli(), nil
	}
	s := NewSynced(server, nil)
	require.NoError(t, s.Sync(context.Background()))
	assert.InDelta(t, 2000, s.Offset(), 100)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), s.Now(), 200*time.Millisecond)
}

func TestSyncedError(t *testing.T) {
	s := NewSynced(func(ctx context.Context) (int64, error) { return 0, errors.New("down") }, nil)
	assert.Error(t, s.Sync(context.Background()))
	assert.Zero(t, s.Offset())
}
