// Package sink implements sink orchestration: binding a
// source to a sink, starting and stopping the scheduler that does the
// actual sample placement, and forwarding source/peer events into the
// scheduler's resync path.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshsync/meshsync/internal/playback"
)

// Binding is the {source_id, sink_id, started_at, latency_ms} record
// created when a source is piped to a sink, mutated only by
// this package, destroyed on unpipe or sink shutdown.
type Binding struct {
	SourceID  string
	SinkID    string
	StartedAt float64
	LatencyMS float64
}

// VolumeSetter is the capability a concrete output device exposes for
// re-emitting the sink's own volume changes to the underlying device.
type VolumeSetter interface {
	SetVolume(level float64) error
}

// Sink owns at most one active Binding at a time and the Scheduler
// serving it.
type Sink struct {
	id     string
	device playback.Device
	volume VolumeSetter

	maxLatencyMS int
	logger       *slog.Logger

	mu        sync.Mutex
	binding   *Binding
	scheduler *playback.Scheduler
}

// New creates a Sink with id, bound to device for playback and, if
// non-nil, volume for re-emitting volume changes.
func New(id string, device playback.Device, volume VolumeSetter, maxLatencyMS int, logger *slog.Logger) *Sink {
	return &Sink{
		id:           id,
		device:       device,
		volume:       volume,
		maxLatencyMS: maxLatencyMS,
		logger:       logger.With("subsystem", "sink", "sink_id", id),
	}
}

// ID returns the sink's identifier.
func (s *Sink) ID() string {
	return s.id
}

// Pipe binds source to this sink and starts the scheduler, watching the
// source's Updates channel and the source peer's timedeltaUpdated events
// and forwarding both into the scheduler's resync path.
// Pipe replaces any existing binding, unpiping it first.
func (s *Sink) Pipe(ctx context.Context, sourceID string, source playback.Source) error {
	s.mu.Lock()
	if s.scheduler != nil {
		sched := s.scheduler
		s.scheduler = nil
		s.binding = nil
		s.mu.Unlock()
		sched.Stop()
		s.mu.Lock()
	}

	sched := playback.New(source, s.device, s.maxLatencyMS, s.logger)
	s.binding = &Binding{
		SourceID:  sourceID,
		SinkID:    s.id,
		StartedAt: source.StartedAt,
		LatencyMS: source.LatencyMS,
	}
	s.scheduler = sched
	s.mu.Unlock()

	if err := sched.Start(ctx); err != nil {
		s.mu.Lock()
		s.scheduler = nil
		s.binding = nil
		s.mu.Unlock()
		return fmt.Errorf("sink: starting scheduler: %w", err)
	}

	s.logger.Info("piped source to sink", "source_id", sourceID)
	return nil
}

// Unpipe stops the active scheduler and clears the binding, if any.
func (s *Sink) Unpipe() {
	s.mu.Lock()
	sched := s.scheduler
	s.scheduler = nil
	s.binding = nil
	s.mu.Unlock()

	if sched != nil {
		sched.Stop()
		s.logger.Info("unpiped sink")
	}
}

// Binding returns the sink's current binding, or nil if unpiped.
func (s *Sink) Binding() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return nil
	}
	b := *s.binding
	return &b
}

// SetVolume re-emits a volume change through the VolumeSetter given to
// New; it returns an error if none was given.
func (s *Sink) SetVolume(level float64) error {
	if s.volume == nil {
		return fmt.Errorf("sink: device does not support volume control")
	}
	return s.volume.SetVolume(level)
}

// DelayFromLocalNow exposes the active scheduler's current resync value,
// for diagnostics; returns 0 if unpiped.
func (s *Sink) DelayFromLocalNow() float64 {
	s.mu.Lock()
	sched := s.scheduler
	s.mu.Unlock()
	if sched == nil {
		return 0
	}
	return sched.DelayFromLocalNow()
}

// UnderrunCount exposes the active scheduler's dropout count; returns 0
// if unpiped.
func (s *Sink) UnderrunCount() uint64 {
	s.mu.Lock()
	sched := s.scheduler
	s.mu.Unlock()
	if sched == nil {
		return 0
	}
	return sched.UnderrunCount()
}
