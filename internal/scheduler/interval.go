package scheduler

import "time"

// IntervalPolicy maps worst-case utilization to the next poll interval.
// Buckets are checked highest first; the zero value is not usable, call
// DefaultIntervalPolicy or build explicit buckets.
type IntervalPolicy struct {
	Buckets []IntervalBucket
	// Fallback applies below every bucket floor.
	Fallback time.Duration
}

// IntervalBucket pairs a utilization floor with the interval used at or
// above it.
type IntervalBucket struct {
	Floor    float64
	Interval time.Duration
}

// DefaultIntervalPolicy returns the stock adaptive buckets: polling speeds
// up as usage approaches its limit.
func DefaultIntervalPolicy() IntervalPolicy {
	return IntervalPolicy{
		Buckets: []IntervalBucket{
			{Floor: 90, Interval: 60 * time.Second},
			{Floor: 75, Interval: 180 * time.Second},
			{Floor: 50, Interval: 300 * time.Second},
		},
		Fallback: 600 * time.Second,
	}
}

// Interval returns the poll interval for the given worst-case utilization.
func (p IntervalPolicy) Interval(maxUtilization float64) time.Duration {
	for _, b := range p.Buckets {
		if maxUtilization >= b.Floor {
			return b.Interval
		}
	}
	return p.Fallback
}
