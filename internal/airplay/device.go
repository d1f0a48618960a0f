package airplay

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"github.com/meshsync/meshsync/internal/clock"
	"github.com/meshsync/meshsync/internal/playback"
	"github.com/meshsync/meshsync/internal/raop"
)

// Device adapts a Transport bound to a paired AirPlay receiver into a
// playback.Device: it paces itself against the scheduler's chunk cadence,
// pulls PCM out of the shared circular buffer, encrypts it with the
// session's derived key when a raop.Session is present, and frames it
// into outbound audioData/sync packets. ALAC encoding is outside this
// codebase's scope (audio codec work is excluded, see spec's source
// capture/codec non-goal); the payload carried is linear 16-bit PCM,
// which the AirPlay RTP framing treats as opaque bytes regardless.
type Device struct {
	transport    *Transport
	session      *raop.Session
	sampleRate   int
	channels     int
	chunkSamples int
	logger       *slog.Logger
}

// NewDevice constructs a Device. session may be nil for an unauthenticated
// receiver that negotiated no encryption during RAOP SETUP.
func NewDevice(transport *Transport, session *raop.Session, sampleRate, channels, chunkSamples int, logger *slog.Logger) *Device {
	return &Device{
		transport:    transport,
		session:      session,
		sampleRate:   sampleRate,
		channels:     channels,
		chunkSamples: chunkSamples,
		logger:       logger.With("subsystem", "airplay_device"),
	}
}

// Run implements playback.Device: it ticks at the configured chunk
// cadence, reads one chunk's worth of samples out of buf at the
// scheduler's current logical offset, and sends it as an audioData
// packet, re-sending a sync packet once a second to keep the receiver's
// anchor current. Run returns when ctx is cancelled.
func (d *Device) Run(ctx context.Context, buf playback.AudioReader, delay *playback.DelayScalar) error {
	interval := time.Duration(d.chunkSamples) * time.Second / time.Duration(d.sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	syncTicker := time.NewTicker(time.Second)
	defer syncTicker.Stop()

	pcm := make([]float32, d.chunkSamples*d.channels)
	var frame uint32
	isFirst := true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-syncTicker.C:
			latency := uint32(0)
			if diff := -delay.Load(); diff > 0 {
				latency = uint32(diff)
			}
			if err := d.transport.SendSync(frame, latency, isFirst); err != nil {
				d.logger.Debug("sync send failed", "error", err)
			}
		case <-ticker.C:
			// Stream position due now, in ms: the local clock plus the
			// scheduler's delay, converted to an interleaved sample offset.
			pos := int((clock.Now() + delay.Load()) * float64(d.sampleRate) / 1000)
			n := buf.ReadInto(pos*d.channels, pcm)
			payload, err := d.encode(pcm[:n])
			if err != nil {
				d.logger.Warn("encoding audio payload failed", "error", err)
				continue
			}
			if err := d.transport.SendAudioData(frame, uint32(d.chunkSamples), payload); err != nil {
				if err == ErrClientPortUnset {
					continue
				}
				return err
			}
			isFirst = false
			frame += uint32(d.chunkSamples)
		}
	}
}

// encode packs float32 samples into little-endian 16-bit PCM and, when a
// session is configured, applies its AES-128-CBC transform.
func (d *Device) encode(samples []float32) ([]byte, error) {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(math.Max(-1, math.Min(1, float64(s))) * 32767)
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	if d.session == nil {
		return raw, nil
	}
	return d.session.EncryptPayload(raw)
}

// Close releases the underlying transport.
func (d *Device) Close() error {
	return d.transport.Close()
}
