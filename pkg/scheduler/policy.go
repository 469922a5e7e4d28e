package scheduler

import (
	"math"
	"time"
)

// RefreshPolicy determines the next poll delay for one data source as a
// function of widget visibility and the run of consecutive unchanged
// results. All widgets share this one structure instead of hardcoding
// per-widget timer intervals.
type RefreshPolicy struct {
	// Base is the poll interval while the widget is hidden.
	Base time.Duration

	// Visible is the (shorter) interval while the popover is open.
	Visible time.Duration

	// Idle caps the backed-off interval.
	Idle time.Duration

	// BackoffMultiplier lengthens the interval per consecutive unchanged
	// result. Values below 1 are replaced with the default of 2.
	BackoffMultiplier float64
}

// Normalize fills defaults and enforces Visible <= Base <= Idle by
// clamping.
func (p RefreshPolicy) Normalize() RefreshPolicy {
	if p.Base <= 0 {
		p.Base = 5 * time.Second
	}
	if p.Visible <= 0 || p.Visible > p.Base {
		p.Visible = p.Base
	}
	if p.Idle < p.Base {
		p.Idle = p.Base
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2
	}
	return p
}

// Interval computes the poll delay: min(idle, base * multiplier^unchanged),
// where base is the visible interval when the popover is open. The exponent
// resets to zero whenever a fetch observes a change.
func (p RefreshPolicy) Interval(visible bool, consecutiveUnchanged int) time.Duration {
	p = p.Normalize()

	base := p.Base
	if visible {
		base = p.Visible
	}
	if consecutiveUnchanged <= 0 {
		return base
	}

	d := float64(base) * math.Pow(p.BackoffMultiplier, float64(consecutiveUnchanged))
	if d >= float64(p.Idle) || math.IsInf(d, 1) || d < 0 {
		return p.Idle
	}
	return time.Duration(d)
}
