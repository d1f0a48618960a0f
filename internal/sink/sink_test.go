package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/meshsync/meshsync/internal/playback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDevice struct{}

func (fakeDevice) Run(ctx context.Context, buf playback.AudioReader, delay *playback.DelayScalar) error {
	<-ctx.Done()
	return ctx.Err()
}
func (fakeDevice) Close() error { return nil }

type fakeClockPeer struct{}

func (fakeClockPeer) GetCurrentTime(precise bool) float64 { return 0 }
func (fakeClockPeer) IsTimeSynchronized() bool            { return true }
func (fakeClockPeer) OnTimeDeltaUpdated(fn func(float64)) {}

type fakeVolume struct {
	level float64
	err   error
}

func (f *fakeVolume) SetVolume(level float64) error {
	f.level = level
	return f.err
}

func TestPipeAndUnpipe(t *testing.T) {
	vol := &fakeVolume{}
	s := New("sink-1", fakeDevice{}, vol, 2000, testLogger())

	src := playback.Source{
		Peer:         fakeClockPeer{},
		SampleRate:   48000,
		Channels:     2,
		ChunkSamples: 480,
		Chunks:       make(chan playback.Chunk),
		Updates:      make(chan playback.SourceUpdate),
	}

	if err := s.Pipe(context.Background(), "source-1", src); err != nil {
		t.Fatal(err)
	}
	defer s.Unpipe()

	b := s.Binding()
	if b == nil || b.SourceID != "source-1" || b.SinkID != "sink-1" {
		t.Fatalf("unexpected binding: %+v", b)
	}

	if err := s.SetVolume(0.5); err != nil {
		t.Fatal(err)
	}
	if vol.level != 0.5 {
		t.Fatalf("volume = %v, want 0.5", vol.level)
	}

	s.Unpipe()
	if s.Binding() != nil {
		t.Fatal("expected binding to be cleared after Unpipe")
	}
}

func TestSetVolumeWithoutDeviceSupport(t *testing.T) {
	s := New("sink-1", fakeDevice{}, nil, 2000, testLogger())
	if err := s.SetVolume(1); err == nil {
		t.Fatal("expected error when no VolumeSetter is configured")
	}
}

func TestSetVolumePropagatesDeviceError(t *testing.T) {
	wantErr := errors.New("device busy")
	vol := &fakeVolume{err: wantErr}
	s := New("sink-1", fakeDevice{}, vol, 2000, testLogger())
	if err := s.SetVolume(1); !errors.Is(err, wantErr) {
		t.Fatalf("SetVolume error = %v, want %v", err, wantErr)
	}
}
