package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshsync/meshsync/internal/buffer"
	"github.com/meshsync/meshsync/internal/clock"
)

// Scheduler is the synchronized sink scheduler: it owns
// the circular sample buffer a source writes into, keeps the shared
// DelayScalar current, and drives the device's real-time callback.
type Scheduler struct {
	source Source
	device Device
	logger *slog.Logger

	buf   *buffer.Ring
	delay DelayScalar

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	maxLatencyMS int
	underruns    atomic.Uint64
}

// New constructs a scheduler for source/device, sized by maxLatencyMS
// (the configured max-latency value, which bounds the circular
// buffer).
func New(source Source, device Device, maxLatencyMS int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:       source,
		device:       device,
		logger:       logger.With("subsystem", "playback"),
		maxLatencyMS: maxLatencyMS,
	}
}

// Start implements the scheduler's startup lifecycle: it
// blocks until the source's peer is time-synchronized, acquires the
// buffer, and spawns the feeder and resync loops plus the device's
// real-time callback.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.waitForTimeSync(ctx); err != nil {
		return fmt.Errorf("playback: wait for time sync: %w", err)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("playback: scheduler already started")
	}
	s.buf = buffer.New(s.maxLatencyMS, s.source.SampleRate, s.source.Channels)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.resync()
	s.source.Peer.OnTimeDeltaUpdated(func(float64) { s.resync() })

	s.wg.Add(3)
	go s.feedLoop(runCtx)
	go s.resyncTicker(runCtx)
	go s.runDevice(runCtx)

	return nil
}

// Stop stops the output stream and releases the buffer. Stop blocks
// until all scheduler goroutines have exited. The time-delta listener
// that Start registers on the source's peer is not removed (ClockPeer
// has no way to remove one); after Stop it still recomputes the delay
// scalar on each committed delta change.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if err := s.device.Close(); err != nil {
		s.logger.Warn("error closing device", "error", err)
	}

	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

func (s *Scheduler) waitForTimeSync(ctx context.Context) error {
	if s.source.Peer.IsTimeSynchronized() {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.source.Peer.IsTimeSynchronized() {
				return nil
			}
		}
	}
}

// feedLoop copies arriving chunks into the circular buffer at the
// physical offset their index implies, and applies
// resyncs on source update events.
func (s *Scheduler) feedLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.source.Chunks:
			if !ok {
				return
			}
			s.writeChunk(chunk)
		case upd, ok := <-s.source.Updates:
			if !ok {
				continue
			}
			s.mu.Lock()
			s.source.StartedAt = upd.StartedAt
			s.source.LatencyMS = upd.LatencyMS
			s.mu.Unlock()
			s.resync()
		}
	}
}

func (s *Scheduler) writeChunk(chunk Chunk) {
	s.mu.Lock()
	buf := s.buf
	perChunk := s.source.ChunkSamples * s.source.Channels
	s.mu.Unlock()
	if buf == nil {
		return
	}
	offset := chunk.Index * perChunk
	buf.Write(offset, chunk.Samples)
}

// resyncTicker maintains delay_from_local_now once per second, on top of
// the event-driven resync triggered by a peer's committed delta changing.
func (s *Scheduler) resyncTicker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.resync()
		}
	}
}

// resync recomputes delay_from_local_now:
//
//	delay = peer.get_current_time(precise=true) - source.started_at - source.latency_ms - now()
//
// and publishes it to the shared scalar the audio callback reads.
func (s *Scheduler) resync() {
	s.mu.Lock()
	startedAt := s.source.StartedAt
	latency := s.source.LatencyMS
	s.mu.Unlock()

	delay := s.source.Peer.GetCurrentTime(true) - startedAt - latency - clock.Now()
	s.delay.Store(delay)
}

// runDevice hands the shared buffer and delay scalar to the device's
// real-time callback loop and restarts it on transient failure, since
// audio-callback errors must never propagate back to the control context
// (a transient device error should not bring playback down permanently).
func (s *Scheduler) runDevice(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		buf := s.buf
		s.mu.Unlock()
		if buf == nil {
			return
		}

		if err := s.device.Run(ctx, buf, &s.delay); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.underruns.Add(1)
			s.logger.Warn("device callback exited, restarting", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return
	}
}

// DelayFromLocalNow returns the scheduler's current shared delay value,
// for diagnostics and tests.
func (s *Scheduler) DelayFromLocalNow() float64 {
	return s.delay.Load()
}

// UnderrunCount returns the number of times the device's real-time
// callback loop has exited and been restarted, each restart implying at
// least one dropout at the output device.
func (s *Scheduler) UnderrunCount() uint64 {
	return s.underruns.Load()
}
