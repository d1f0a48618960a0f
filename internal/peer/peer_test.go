package peer

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records every sent envelope and can be wired to a peer on
// the other end of a simulated link, mirroring how _examples teacher code
// fakes an io.Writer collaborator in tests.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []Envelope
	closed bool
	peer   *Peer // optional: deliver directly to this peer, simulating the wire
}

func (f *fakeTransport) Send(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	peer := f.peer
	f.mu.Unlock()
	if peer != nil {
		peer.HandleEnvelope(ctx, env)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func descriptorFor(id string) Descriptor {
	return Descriptor{UUID: id, InstanceUUID: id + "-instance", Name: "test-" + id}
}

func TestStateMachineForwardOnly(t *testing.T) {
	p := New(descriptorFor("a"), &fakeTransport{}, nil, DefaultConfig(), testLogger())

	if err := p.SetState(Connecting); err == nil {
		t.Fatal("expected error transitioning to same state")
	}
	if err := p.SetState(Connected); err != nil {
		t.Fatalf("Connecting -> Connected should succeed: %v", err)
	}
	if err := p.SetState(Connecting); err == nil {
		t.Fatal("expected error transitioning backward")
	}
	if err := p.SetState(Deleted); err != nil {
		t.Fatalf("Connected -> Deleted should succeed: %v", err)
	}
	if err := p.SetState(Connecting); err == nil {
		t.Fatal("expected error: Deleted is terminal")
	}
	if err := p.SetState(Deleted); err == nil {
		t.Fatal("expected error: no self-transition out of Deleted")
	}
}

func TestStateChangeNotificationDeferred(t *testing.T) {
	p := New(descriptorFor("a"), &fakeTransport{}, nil, DefaultConfig(), testLogger())

	var mu sync.Mutex
	var seen []State
	done := make(chan struct{})
	p.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
		if s == Connected {
			close(done)
		}
	})

	if err := p.SetState(Connected); err != nil {
		t.Fatal(err)
	}

	// The listener must not have fired synchronously within SetState.
	mu.Lock()
	immediate := len(seen)
	mu.Unlock()
	if immediate != 0 {
		t.Fatalf("listener fired synchronously, want deferred to next tick")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred notification never arrived")
	}
}

func TestTimeSyncConverges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingCapacity = 10
	cfg.InitRequestCount = 5
	cfg.MsDiffToUpdate = 1

	p := New(descriptorFor("a"), &fakeTransport{}, nil, cfg, testLogger())

	var gotDelta float64
	var mu sync.Mutex
	p.OnTimeDeltaUpdated(func(d float64) {
		mu.Lock()
		gotDelta = d
		mu.Unlock()
	})

	syncCount := 0
	p.OnTimesyncStateUpdated(func() { syncCount++ })

	const trueOffset = 42.0
	for i := 0; i < cfg.InitRequestCount; i++ {
		// Answered at once: the round trip is ~0, so each sample is ~trueOffset.
		sentAt := nowFunc()
		p.handleTimekeepResponse(&TimekeepResponse{
			SentAt:      sentAt,
			RespondedAt: sentAt + trueOffset,
		})
	}

	if syncCount != cfg.InitRequestCount {
		t.Fatalf("timesyncStateUpdated fired %d times, want %d", syncCount, cfg.InitRequestCount)
	}
	if !p.IsTimeSynchronized() {
		t.Fatal("expected IsTimeSynchronized true after ring filled")
	}

	mu.Lock()
	delta := gotDelta
	mu.Unlock()
	if absF(delta-trueOffset) > 0.01 {
		t.Fatalf("committed delta = %v, want close to %v", delta, trueOffset)
	}
}

func TestCommitThresholdHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingCapacity = 10
	cfg.InitRequestCount = 3
	cfg.MsDiffToUpdate = 5

	p := New(descriptorFor("a"), &fakeTransport{}, nil, cfg, testLogger())

	commits := 0
	p.OnTimeDeltaUpdated(func(float64) { commits++ })

	base := nowFunc()
	for i := 0; i < 3; i++ {
		p.handleTimekeepResponse(&TimekeepResponse{SentAt: base, RespondedAt: base + 10})
	}
	if commits != 1 {
		t.Fatalf("expected exactly one commit to establish baseline, got %d", commits)
	}

	// A small jitter below the threshold should not trigger another commit.
	p.handleTimekeepResponse(&TimekeepResponse{SentAt: base, RespondedAt: base + 12})
	if commits != 1 {
		t.Fatalf("small jitter should not re-commit, got %d commits", commits)
	}

	// A large, sustained shift should eventually re-commit: the median
	// moves once the 30ms samples reach the middle of the ring.
	for i := 0; i < 5; i++ {
		p.handleTimekeepResponse(&TimekeepResponse{SentAt: base, RespondedAt: base + 30})
	}
	if commits < 2 {
		t.Fatalf("sustained large shift should re-commit, got %d commits", commits)
	}
}

func TestDestroyDropsPendingRPCWithoutResolving(t *testing.T) {
	p := New(descriptorFor("a"), &fakeTransport{}, nil, DefaultConfig(), testLogger())
	_ = p.SetState(Connected)

	ctx := context.Background()
	resultCh := make(chan error, 1)
	go func() {
		_, err := p.SendRPC(ctx, "example", nil)
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Destroy(true, false)

	select {
	case err := <-resultCh:
		if err != ErrDestroyed {
			t.Fatalf("SendRPC error = %v, want ErrDestroyed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendRPC never unblocked after Destroy")
	}
}

func TestRPCRoundTrip(t *testing.T) {
	serverCfg := DefaultConfig()
	clientCfg := DefaultConfig()

	server := New(descriptorFor("server"), nil, func(rpcType string) (RPCHandler, bool) {
		if rpcType != "ping" {
			return nil, false
		}
		return func(ctx context.Context, body any) (any, error) {
			return "pong", nil
		}, true
	}, serverCfg, testLogger())

	clientTransport := &fakeTransport{peer: server}
	client := New(descriptorFor("client"), clientTransport, nil, clientCfg, testLogger())

	serverTransport := &fakeTransport{peer: client}
	server.transport = serverTransport

	_ = client.SetState(Connected)
	_ = server.SetState(Connected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	body, err := client.SendRPC(ctx, "ping", "hello")
	if err != nil {
		t.Fatalf("SendRPC error: %v", err)
	}
	if body != "pong" {
		t.Fatalf("SendRPC body = %v, want pong", body)
	}
}

func TestUnknownRPCResponseUUIDDroppedSilently(t *testing.T) {
	p := New(descriptorFor("a"), &fakeTransport{}, nil, DefaultConfig(), testLogger())
	_ = p.SetState(Connected)

	// Must not panic or block.
	p.HandleEnvelope(context.Background(), Envelope{
		Type: MsgRPC,
		RPC: &RPCEnvelope{
			UUID:       "does-not-exist",
			IsResponse: true,
			Body:       "ignored",
		},
	})
}

func TestNoResponseTimeoutDestroysPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoResponseTimeout = 20 * time.Millisecond

	p := New(descriptorFor("a"), &fakeTransport{}, nil, cfg, testLogger())
	p.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for p.State() != Deleted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.State() != Deleted {
		t.Fatal("peer was not destroyed after no-response timeout elapsed")
	}
}

func TestLocalPeerAlwaysSynchronizedAndZeroDelta(t *testing.T) {
	p := NewLocal(descriptorFor("local"), testLogger())
	if !p.IsTimeSynchronized() {
		t.Fatal("local peer must always report synchronized")
	}
	if p.CommittedDelta() != 0 {
		t.Fatalf("local peer delta = %v, want 0", p.CommittedDelta())
	}
	if p.State() != Connected {
		t.Fatalf("local peer state = %v, want Connected", p.State())
	}
}
