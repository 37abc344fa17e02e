package router

import (
	"math"
	"time"
)

// frameBudget meters inbound frames on one connection. Credit accrues at
// rate frames per second up to burst; each admitted frame spends one. It is
// only touched by the connection's read loop and needs no lock.
type frameBudget struct {
	rate   float64
	burst  float64
	credit float64
	last   time.Time
	nowFn  func() time.Time

	// overruns counts frames refused since the last admitted one.
	overruns int
}

// newFrameBudget returns a full budget. A non-positive rate disables
// metering.
func newFrameBudget(rate float64, burst int) *frameBudget {
	if burst <= 0 {
		burst = 1
	}
	b := &frameBudget{rate: rate, burst: float64(burst), credit: float64(burst), nowFn: time.Now}
	b.last = b.nowFn()
	return b
}

// admit reports whether the next frame may be processed.
func (b *frameBudget) admit() bool {
	if b.rate <= 0 {
		return true
	}
	now := b.nowFn()
	b.credit = math.Min(b.burst, b.credit+now.Sub(b.last).Seconds()*b.rate)
	b.last = now
	if b.credit < 1 {
		b.overruns++
		return false
	}
	b.credit--
	b.overruns = 0
	return true
}
