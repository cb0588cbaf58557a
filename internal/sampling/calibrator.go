// Package sampling computes the time weight of each sample from the
// interval reported by the tracing facility.
package sampling

import "time"

const (
	DefaultInterval = time.Millisecond
	// DefaultMargin allows a sample to arrive 10% later than the interval
	// before its weight is clamped.
	DefaultMargin = 1.1
)

// FromHundredNanoseconds converts an interval expressed in the 100ns units
// used by trace events.
func FromHundredNanoseconds(v int64) time.Duration {
	return time.Duration(v) * 100 * time.Nanosecond
}

// Calibrator is not safe for concurrent use.
type Calibrator struct {
	interval time.Duration
	limit    time.Duration
	margin   float64
	set      bool
	lastTime map[int]time.Duration
}

func NewCalibrator(interval time.Duration, margin float64) *Calibrator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if margin < 1 {
		margin = DefaultMargin
	}
	c := &Calibrator{
		margin:   margin,
		lastTime: make(map[int]time.Duration),
	}
	c.update(interval)
	return c
}

func (c *Calibrator) update(interval time.Duration) {
	c.interval = interval
	c.limit = time.Duration(float64(interval) * c.margin)
}

// ApplyIntervalChange records the interval reported by the trace. Only the
// first report is applied, later ones are echoes of the same configuration
// and are ignored. It returns whether the interval was applied.
func (c *Calibrator) ApplyIntervalChange(interval time.Duration) bool {
	if c.set || interval <= 0 {
		return false
	}
	c.set = true
	c.update(interval)
	return true
}

func (c *Calibrator) Interval() time.Duration {
	return c.interval
}

func (c *Calibrator) Limit() time.Duration {
	return c.limit
}

func (c *Calibrator) IsCalibrated() bool {
	return c.set
}

// Weight returns the weight of a sample taken at ts on the given core. The
// elapsed time since the previous sample on that core is used, unless it
// exceeds the allowed margin, in which case samples were probably lost and
// the calibrated interval is used instead.
func (c *Calibrator) Weight(core int, ts time.Duration) time.Duration {
	weight := ts - c.lastTime[core]
	if weight > c.limit || weight < 0 {
		weight = c.interval
	}
	c.lastTime[core] = ts
	return weight
}
