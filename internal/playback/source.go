// Package playback implements the synchronized sink scheduler: it binds
// an audio source to a local output device, keeps a running estimate of
// how far ahead of the device's own clock the stream's sample 0 sits, and
// exposes that estimate to a real-time audio callback through a single
// atomically-shared scalar.
package playback

import "context"

// Chunk is one fixed-size slice of interleaved PCM samples produced by a
// Source in index order, though chunks may arrive out of order at a sink.
// Index is used by the scheduler to reconcile a chunk to its buffer offset.
type Chunk struct {
	Index   int
	Samples []float32
}

// ClockPeer is the subset of peer.Peer the scheduler needs: a synchronized
// clock reading on the peer that owns the source. Accepting an interface
// here, rather than *peer.Peer directly, keeps this package decoupled from
// peer's concrete type and makes the resync math testable without a full
// peer link.
type ClockPeer interface {
	GetCurrentTime(precise bool) float64
	IsTimeSynchronized() bool
	OnTimeDeltaUpdated(fn func(float64))
}

// Source is a producer of timestamped PCM chunks, anchored by StartedAt on
// its owning peer's clock (see GLOSSARY). Chunks arrives on the Chunks
// channel; Updates carries the update events the scheduler resyncs on
// (latency or started_at revisions).
type Source struct {
	Peer         ClockPeer
	StartedAt    float64 // peer clock ms at which chunk index 0 begins
	LatencyMS    float64
	SampleRate   int
	Channels     int
	ChunkSamples int

	Chunks  <-chan Chunk
	Updates <-chan SourceUpdate
}

// SourceUpdate carries a revision to a source's anchor or latency, applied
// by the owning collaborator (e.g. a renegotiated latency from the UI).
type SourceUpdate struct {
	StartedAt float64
	LatencyMS float64
}

// Device is the pull-style output device handle the scheduler acquires at
// start and releases at stop. The audio callback itself is started and
// owned by the Device implementation; Scheduler only hands it the shared
// buffer and delay scalar via Device.Run.
type Device interface {
	// Run starts the real-time callback loop against buf/delay and blocks
	// until ctx is cancelled or the device is lost. The callback must only
	// read buf and delay; it must never allocate, lock, or block.
	Run(ctx context.Context, buf AudioReader, delay *DelayScalar) error
	Close() error
}

// AudioReader is the read-only capability the audio callback needs from
// the shared circular buffer — deliberately narrower than buffer.Ring's
// full surface so the real-time path can't accidentally write.
type AudioReader interface {
	ReadInto(offset int, dst []float32) int
}
