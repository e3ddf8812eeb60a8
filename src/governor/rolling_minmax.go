package governor

import "time"

// RollingWindowMinutes is the span covered by RollingMinMax.
const RollingWindowMinutes = 60

// minMaxBucket holds min/max values for a single minute
type minMaxBucket struct {
	minute   int64 // unix minute, 0 = empty
	min, max int
}

// RollingMinMax tracks min/max of an integer reading over the last hour using
// one bucket per minute
type RollingMinMax struct {
	buckets [RollingWindowMinutes]minMaxBucket
}

// Observe records v at time at.
func (r *RollingMinMax) Observe(at time.Time, v int) {
	minute := at.Unix() / 60
	b := &r.buckets[minute%RollingWindowMinutes]
	if b.minute != minute {
		*b = minMaxBucket{minute: minute, min: v, max: v}
		return
	}
	b.min = min(b.min, v)
	b.max = max(b.max, v)
}

// Range returns the min and max observed in the hour before at. ok is false
// when nothing was observed in that window.
func (r *RollingMinMax) Range(at time.Time) (lo, hi int, ok bool) {
	now := at.Unix() / 60
	for _, b := range r.buckets {
		if b.minute == 0 || b.minute > now || now-b.minute >= RollingWindowMinutes {
			continue
		}
		if !ok {
			lo, hi, ok = b.min, b.max, true
			continue
		}
		lo = min(lo, b.min)
		hi = max(hi, b.max)
	}
	return lo, hi, ok
}

// Reset forgets every observation.
func (r *RollingMinMax) Reset() {
	r.buckets = [RollingWindowMinutes]minMaxBucket{}
}
