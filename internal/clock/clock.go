// Package clock provides a process-relative monotonic millisecond clock.
// It is the one fine-grained time source the rest of meshsync depends on:
// peer offsets, playback scheduling, and the AirPlay transport all measure
// time as an offset from the same instant rather than trusting wall time,
// which can jump under NTP adjustment.
package clock

import "time"

// start is recorded once at package init and never mutated afterward, so
// Now is safe to call from any goroutine without synchronization.
var start = time.Now()

// Now returns milliseconds elapsed since process start, as a float64 for
// sub-millisecond precision. It is derived from time.Since, which on every
// supported platform reads a monotonic clock reading embedded in the
// time.Time value — wall-clock adjustments (NTP step, DST, manual changes)
// never affect it.
func Now() float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
