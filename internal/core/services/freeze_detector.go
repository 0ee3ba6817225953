package services

import "time"

// freezeDetector accounts rendering stalls of one remote stream. A gap between
// consecutive rendered frames longer than gap counts as one freeze and the
// whole gap is added to the frozen time. Only time while the stream is active
// counts towards the frozen rate.
type freezeDetector struct {
	gap    time.Duration
	minFPS int

	targetFPS int

	active      bool
	activeSince time.Time
	activeTotal time.Duration

	lastFrame   time.Time
	freezeCount int
	frozenTotal time.Duration
}

func newFreezeDetector(gap time.Duration, minFPS int) *freezeDetector {
	return &freezeDetector{gap: gap, minFPS: minFPS}
}

// setTargetFPS updates the expected frame rate. A stalled stream measures a
// falling rate, so readings taken during a stall keep the previous target.
func (d *freezeDetector) setTargetFPS(fps int, now time.Time) {
	if fps <= 0 || d.stalled(now) {
		return
	}
	d.targetFPS = fps
}

// eligible reports whether the stream runs fast enough for gaps to mean a freeze.
func (d *freezeDetector) eligible() bool {
	return d.targetFPS >= d.minFPS
}

func (d *freezeDetector) markActive(at time.Time) {
	if d.active {
		return
	}
	d.active = true
	d.activeSince = at
}

// markInactive stops the active clock. The next frame after reactivation
// starts a new gap measurement.
func (d *freezeDetector) markInactive(at time.Time) {
	if !d.active {
		return
	}
	if at.After(d.activeSince) {
		d.activeTotal += at.Sub(d.activeSince)
	}
	d.active = false
	d.lastFrame = time.Time{}
}

func (d *freezeDetector) onFrame(at time.Time) {
	if !d.active {
		return
	}
	if !d.lastFrame.IsZero() && d.eligible() {
		if gap := at.Sub(d.lastFrame); gap > d.gap {
			d.freezeCount++
			d.frozenTotal += gap
		}
	}
	if at.After(d.lastFrame) {
		d.lastFrame = at
	}
}

// stalled reports whether no frame has been rendered for longer than the gap.
func (d *freezeDetector) stalled(now time.Time) bool {
	if !d.active || d.lastFrame.IsZero() || !d.eligible() {
		return false
	}
	return now.Sub(d.lastFrame) > d.gap
}

func (d *freezeDetector) activeTime(now time.Time) time.Duration {
	total := d.activeTotal
	if d.active && now.After(d.activeSince) {
		total += now.Sub(d.activeSince)
	}
	return total
}

func (d *freezeDetector) frozenRate(now time.Time) float64 {
	active := d.activeTime(now)
	if active <= 0 {
		return 0
	}
	rate := float64(d.frozenTotal) / float64(active)
	if rate > 1 {
		return 1
	}
	return rate
}
