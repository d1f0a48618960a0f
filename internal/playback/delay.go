package playback

import (
	"math"
	"sync/atomic"
)

// DelayScalar is the single shared value the control context writes and
// the real-time audio callback reads: how many milliseconds ahead of its
// own clock the stream's sample 0 is positioned. A
// single 64-bit load/store is atomic on every platform Go supports;
// tearing, not contention, is the only hazard this guards against, so a
// mutex would be the wrong tool here.
type DelayScalar struct {
	bits atomic.Uint64
}

// Store records ms as the current delay-from-local-now.
func (d *DelayScalar) Store(ms float64) {
	d.bits.Store(math.Float64bits(ms))
}

// Load returns the most recently stored delay-from-local-now.
func (d *DelayScalar) Load() float64 {
	return math.Float64frombits(d.bits.Load())
}
