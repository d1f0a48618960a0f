package peer

import (
	"context"
	"testing"
	"time"
)

func newTestManager() *Manager {
	local := NewLocal(descriptorFor("local"), testLogger())
	return NewManager(local, testLogger())
}

func TestManagerAddNewPeerEmitsConnectedEvents(t *testing.T) {
	m := newTestManager()
	events := m.Subscribe()

	p := New(descriptorFor("remote"), &fakeTransport{}, m.Lookup, DefaultConfig(), testLogger())
	m.Add(context.Background(), p)

	if err := p.SetState(Connected); err != nil {
		t.Fatal(err)
	}

	var sawConnected, sawNewConnected bool
	deadline := time.After(time.Second)
	for !(sawConnected && sawNewConnected) {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventConnectedPeer:
				sawConnected = true
			case EventNewConnectedPeer:
				sawNewConnected = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, connected=%v newConnected=%v", sawConnected, sawNewConnected)
		}
	}
}

func TestManagerDuplicateSameInstanceDropsNewcomer(t *testing.T) {
	m := newTestManager()

	d := descriptorFor("remote")
	incumbent := New(d, &fakeTransport{}, m.Lookup, DefaultConfig(), testLogger())
	m.Add(context.Background(), incumbent)
	_ = incumbent.SetState(Connected)

	newcomer := New(d, &fakeTransport{}, m.Lookup, DefaultConfig(), testLogger())
	kept := m.Add(context.Background(), newcomer)

	if kept != incumbent {
		t.Fatal("expected incumbent to be kept on same-instance duplicate")
	}
	if newcomer.State() != Deleted {
		t.Fatal("expected newcomer to be destroyed")
	}
	if incumbent.State() == Deleted {
		t.Fatal("incumbent must not be destroyed on same-instance duplicate")
	}
}

func TestManagerReconnectNewInstanceReplacesIncumbent(t *testing.T) {
	m := newTestManager()

	d1 := descriptorFor("remote")
	incumbent := New(d1, &fakeTransport{}, m.Lookup, DefaultConfig(), testLogger())
	m.Add(context.Background(), incumbent)
	_ = incumbent.SetState(Connected)

	d2 := d1
	d2.InstanceUUID = "a-different-instance"
	newcomer := New(d2, &fakeTransport{}, m.Lookup, DefaultConfig(), testLogger())
	kept := m.Add(context.Background(), newcomer)

	if kept != newcomer {
		t.Fatal("expected newcomer to replace incumbent on instance change")
	}

	deadline := time.After(time.Second)
	for incumbent.State() != Deleted {
		select {
		case <-deadline:
			t.Fatal("incumbent was never destroyed after replacement")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	got, ok := m.Get(d1.UUID)
	if !ok || got != newcomer {
		t.Fatal("registry does not reflect the replacement")
	}
}

func TestManagerRPCHandlerRegistryServesAllPeers(t *testing.T) {
	m := newTestManager()
	m.RegisterHandler("ping", func(ctx context.Context, body any) (any, error) {
		return "pong", nil
	})

	h, ok := m.Lookup("ping")
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	body, err := h(context.Background(), nil)
	if err != nil || body != "pong" {
		t.Fatalf("handler returned (%v, %v), want (pong, nil)", body, err)
	}

	if _, ok := m.Lookup("nonexistent"); ok {
		t.Fatal("expected lookup miss for unregistered rpc type")
	}
}
