// Package buffer implements the lock-free circular sample buffer shared
// between the playback scheduler (single producer) and the audio callback
// or AirPlay sender (single consumer). Neither side takes a lock: the
// producer writes strictly ahead of where the consumer reads, and that
// invariant — not mutual exclusion — is what keeps the two sides from
// tearing each other's data.
package buffer

// Ring is a contiguous float32 array addressed modulo its length. There is
// no head/tail bookkeeping; every write and read is addressed by an
// explicit logical offset supplied by the caller; see package doc.
//
// Ring is safe for exactly one writer and one reader operating
// concurrently, and for no more. It is not safe for concurrent writers or
// concurrent readers.
type Ring struct {
	samples []float32
}

// New allocates a ring sized for latencyMS worth of audio at the given
// sample rate and channel count. The length is
// floor(latencyMS * sampleRate / 1000) * channels, matching the bound the
// synchronized sink scheduler uses to size its read-ahead window.
func New(latencyMS, sampleRate, channels int) *Ring {
	frames := latencyMS * sampleRate / 1000
	return &Ring{samples: make([]float32, frames*channels)}
}

// Len returns the number of float32 slots in the ring.
func (r *Ring) Len() int {
	return len(r.samples)
}

// Write copies samples into the ring starting at logical offset o, wrapping
// as needed. offset is taken modulo the ring length and may exceed it (the
// producer addresses logical, ever-increasing offsets derived from a chunk
// index; only the physical placement wraps).
func (r *Ring) Write(offset int, samples []float32) {
	n := len(r.samples)
	if n == 0 {
		return
	}
	start := mod(offset, n)
	for i, s := range samples {
		r.samples[mod(start+i, n)] = s
	}
}

// Read returns a freshly allocated slice of count samples starting at
// logical offset o, wrapping as needed.
func (r *Ring) Read(offset, count int) []float32 {
	out := make([]float32, count)
	n := len(r.samples)
	if n == 0 {
		return out
	}
	start := mod(offset, n)
	for i := range out {
		out[i] = r.samples[mod(start+i, n)]
	}
	return out
}

// ReadInto fills dst starting at logical offset o, wrapping as needed, and
// returns the number of samples copied (len(dst), unless the ring is
// empty). Used by the audio callback path to avoid a per-tick allocation.
func (r *Ring) ReadInto(offset int, dst []float32) int {
	n := len(r.samples)
	if n == 0 {
		return 0
	}
	start := mod(offset, n)
	for i := range dst {
		dst[i] = r.samples[mod(start+i, n)]
	}
	return len(dst)
}

// Clear zero-fills count samples starting at logical offset o. A consumer
// that requires strict zero-fill silence (rather than stale samples) on
// underrun calls this before the producer is expected to overwrite the
// region.
func (r *Ring) Clear(offset, count int) {
	n := len(r.samples)
	if n == 0 {
		return
	}
	start := mod(offset, n)
	for i := 0; i < count; i++ {
		r.samples[mod(start+i, n)] = 0
	}
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
