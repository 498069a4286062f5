package countstat

import (
	"fmt"
	"time"
)

// Interval is the bucket width discriminator stored on every count row.
//
// "gauge" is a point-in-time snapshot rather than a delta: its value is
// evaluated as of end_time instead of over (end_time - width, end_time].
// Gauge stats are still filled on a daily cadence, so Width is 24h.
type Interval string

const (
	IntervalHour  Interval = "hour"
	IntervalDay   Interval = "day"
	IntervalGauge Interval = "gauge"
)

// ParseInterval validates an interval string from config or CLI input.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalHour, IntervalDay, IntervalGauge:
		return Interval(s), nil
	}
	return "", fmt.Errorf("invalid interval %q (must be hour, day or gauge)", s)
}

// Width returns the cadence of the interval: the distance between
// consecutive end_time values for a given property.
func (i Interval) Width() time.Duration {
	switch i {
	case IntervalHour:
		return time.Hour
	case IntervalDay, IntervalGauge:
		return 24 * time.Hour
	}
	return 0
}

// Gauge reports whether values are snapshots rather than per-bucket deltas.
func (i Interval) Gauge() bool {
	return i == IntervalGauge
}

// FloorTime truncates t to the interval boundary at or before it, in UTC.
// A bucket (start, end] has start = FloorTime(start) and end = start + Width.
func (i Interval) FloorTime(t time.Time) time.Time {
	return t.UTC().Truncate(i.Width())
}

// FirstBucketEnd returns the end_time of the first bucket covering t.
// Example: FirstBucketEnd(2024-03-01 10:35, day) -> 2024-03-02 00:00.
// Buckets are (start, end], so a t exactly on a boundary closes its own
// bucket and the end is t itself.
func (i Interval) FirstBucketEnd(t time.Time) time.Time {
	floor := i.FloorTime(t)
	if floor.Equal(t.UTC()) {
		return floor
	}
	return floor.Add(i.Width())
}

// BucketEndFor returns the end_time of the bucket an event at t belongs to.
// Identical to FirstBucketEnd; named separately for the logging-stat
// increment path, where it selects the still-open bucket for a live event.
func (i Interval) BucketEndFor(t time.Time) time.Time {
	return i.FirstBucketEnd(t)
}
