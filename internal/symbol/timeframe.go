package symbol

import (
	"sort"
	"time"

	"trading-engine/internal/errs"
)

// TimeFrame is a candle period.
type TimeFrame string

const (
	OneMinute      TimeFrame = "1m"
	ThreeMinutes   TimeFrame = "3m"
	FiveMinutes    TimeFrame = "5m"
	FifteenMinutes TimeFrame = "15m"
	ThirtyMinutes  TimeFrame = "30m"
	OneHour        TimeFrame = "1h"
	TwoHours       TimeFrame = "2h"
	FourHours      TimeFrame = "4h"
	SixHours       TimeFrame = "6h"
	EightHours     TimeFrame = "8h"
	TwelveHours    TimeFrame = "12h"
	OneDay         TimeFrame = "1d"
	ThreeDays      TimeFrame = "3d"
	OneWeek        TimeFrame = "1w"
	OneMonth       TimeFrame = "1M"
)

var timeFrameMinutes = map[TimeFrame]int{
	OneMinute:      1,
	ThreeMinutes:   3,
	FiveMinutes:    5,
	FifteenMinutes: 15,
	ThirtyMinutes:  30,
	OneHour:        60,
	TwoHours:       120,
	FourHours:      240,
	SixHours:       360,
	EightHours:     480,
	TwelveHours:    720,
	OneDay:         1440,
	ThreeDays:      4320,
	OneWeek:        10080,
	OneMonth:       43200,
}

// ParseTimeFrame validates a time frame string.
func ParseTimeFrame(s string) (TimeFrame, error) {
	tf := TimeFrame(s)
	if _, ok := timeFrameMinutes[tf]; !ok {
		return "", errs.New(errs.InvalidArgument, "unknown time frame %q", s)
	}
	return tf, nil
}

// Minutes is the canonical length of the period.
func (tf TimeFrame) Minutes() int { return timeFrameMinutes[tf] }

// Duration is the canonical length of the period.
func (tf TimeFrame) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// Seconds is the canonical length of the period in seconds.
func (tf TimeFrame) Seconds() int64 { return int64(tf.Minutes()) * 60 }

// FinerThan reports whether tf has a shorter period than other.
func (tf TimeFrame) FinerThan(other TimeFrame) bool { return tf.Minutes() < other.Minutes() }

// CoarserThan reports whether tf has a longer period than other.
func (tf TimeFrame) CoarserThan(other TimeFrame) bool { return tf.Minutes() > other.Minutes() }

// All returns every known time frame from finest to coarsest.
func All() []TimeFrame {
	out := make([]TimeFrame, 0, len(timeFrameMinutes))
	for tf := range timeFrameMinutes {
		out = append(out, tf)
	}
	return Sort(out)
}

// Sort orders time frames from finest to coarsest in place and returns them.
func Sort(tfs []TimeFrame) []TimeFrame {
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].FinerThan(tfs[j]) })
	return tfs
}

// Finest returns the shortest time frame of tfs.
func Finest(tfs []TimeFrame) (TimeFrame, bool) {
	if len(tfs) == 0 {
		return "", false
	}
	best := tfs[0]
	for _, tf := range tfs[1:] {
		if tf.FinerThan(best) {
			best = tf
		}
	}
	return best, true
}
