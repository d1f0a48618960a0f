package peer

import (
	"context"
	"log/slog"
	"sync"
)

// EventType discriminates the events a Manager publishes to its
// subscribers.
type EventType string

const (
	// EventPeerChange fires on every state transition of any registered peer.
	EventPeerChange EventType = "peerChange"
	// EventConnectedPeer fires once per peer, the first time it reaches
	// Connected.
	EventConnectedPeer EventType = "connectedPeer"
	// EventNewConnectedPeer is EventConnectedPeer restricted to peers that
	// were not already known to the Manager (excludes reconnects).
	EventNewConnectedPeer EventType = "newConnectedPeer"
	// controllerMessagePrefix namespaces the dynamic per-rpc-type events
	// built by ControllerMessageEvent.
	controllerMessagePrefix = "controllerMessage:"
)

// ControllerMessageEvent builds the dynamic EventType fired for an inbound
// rpc of the given type, e.g. ControllerMessageEvent("volume-set") ==
// EventType("controllerMessage:volume-set").
func ControllerMessageEvent(rpcType string) EventType {
	return EventType(controllerMessagePrefix + rpcType)
}

// Event is published to Manager subscribers. Body is only populated for
// controllerMessage:<type> events, carrying the rpc request's payload.
type Event struct {
	Type EventType
	Peer *Peer
	Body any
}

// Manager is the uuid-keyed peer registry. It owns RPC
// handler registration (consulted by every Peer via HandlerLookup),
// resolves duplicate-peer races on (re)connect, and fans out lifecycle
// events to subscribers such as the sink and status surfaces.
type Manager struct {
	mu    sync.RWMutex
	peers map[string]*Peer // keyed by stable Descriptor.UUID
	local *Peer

	handlers map[string]RPCHandler

	subscribers []chan Event

	cfg Config

	logger *slog.Logger
}

// NewManager creates an empty registry seeded with the local peer. The
// Manager's link Config defaults to DefaultConfig until SetConfig is
// called.
func NewManager(local *Peer, logger *slog.Logger) *Manager {
	m := &Manager{
		peers:    make(map[string]*Peer),
		local:    local,
		handlers: make(map[string]RPCHandler),
		cfg:      DefaultConfig(),
		logger:   logger.With("subsystem", "peer_manager"),
	}
	m.peers[local.Descriptor().UUID] = local
	return m
}

// SetConfig replaces the Config new remote links are built with. Call this
// once at startup with daemon-derived timing constants before any peer
// connects.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the link Config the transport/discovery layer should pass
// to New when constructing a remote peer to hand to Add.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// RegisterHandler installs the handler invoked for inbound RPC requests of
// the given type, across all peers managed by this Manager.
func (m *Manager) RegisterHandler(rpcType string, handler RPCHandler) {
	m.mu.Lock()
	m.handlers[rpcType] = handler
	m.mu.Unlock()
}

// Lookup implements HandlerLookup against the Manager's registry.
func (m *Manager) Lookup(rpcType string) (RPCHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[rpcType]
	return h, ok
}

// Subscribe returns a channel of lifecycle events. The channel is buffered;
// a slow subscriber drops events rather than blocking the publisher (the
// status HTTP surface is a polling reader, not a guaranteed-delivery one).
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish(ev Event) {
	m.mu.RLock()
	subs := append([]chan Event{}, m.subscribers...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("dropping event for slow subscriber", "type", ev.Type)
		}
	}
}

// Local returns the Manager's distinguished local-peer instance.
func (m *Manager) Local() *Peer {
	return m.local
}

// Get returns the registered peer for uuid, if any.
func (m *Manager) Get(uuid string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[uuid]
	return p, ok
}

// ConnectedPeerCount returns the number of non-local peers currently in
// the Connected state, for the metrics collector.
func (m *Manager) ConnectedPeerCount() int {
	n := 0
	for _, p := range m.All() {
		if !p.IsLocal() && p.State() == Connected {
			n++
		}
	}
	return n
}

// PeerDeltas returns each connected non-local peer's committed clock
// offset, keyed by uuid, for the metrics collector.
func (m *Manager) PeerDeltas() map[string]float64 {
	out := make(map[string]float64)
	for _, p := range m.All() {
		if p.IsLocal() || p.State() != Connected {
			continue
		}
		out[p.Descriptor().UUID] = p.CommittedDelta()
	}
	return out
}

// All returns a snapshot of every registered peer, local peer included.
func (m *Manager) All() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Add registers an incoming peer, resolving any duplicate:
//
//   - same UUID and same InstanceUUID: the existing link is still the live
//     one (this is a redundant/duplicate connection attempt from the same
//     process instance); the newcomer is destroyed and the incumbent kept.
//   - same UUID, different InstanceUUID: the remote process restarted.
//     The incumbent is stale; it is destroyed (advertising the destroy, so
//     its in-flight callers elsewhere in the mesh stop waiting on it) and
//     the newcomer takes its place in the registry.
//
// Add starts the accepted peer's timekeeper/watchdog and wires its state
// transitions into the Manager's event stream, including emitting
// connectedPeer / newConnectedPeer on first reaching Connected.
func (m *Manager) Add(ctx context.Context, p *Peer) *Peer {
	d := p.Descriptor()

	m.mu.Lock()
	existing, ok := m.peers[d.UUID]
	if ok && existing.State() != Deleted {
		if existing.Descriptor().InstanceUUID == d.InstanceUUID {
			m.mu.Unlock()
			m.logger.Info("duplicate connection from same instance, dropping newcomer", "uuid", d.UUID)
			p.Destroy(false, false)
			return existing
		}
		m.logger.Info("peer reconnected under new instance, replacing", "uuid", d.UUID)
		m.mu.Unlock()
		existing.Destroy(false, true)
		m.mu.Lock()
	}

	isNew := !ok
	m.peers[d.UUID] = p
	m.mu.Unlock()

	firstConnect := sync.Once{}
	p.OnStateChange(func(s State) {
		m.publish(Event{Type: EventPeerChange, Peer: p})
		if s == Connected {
			firstConnect.Do(func() {
				m.publish(Event{Type: EventConnectedPeer, Peer: p})
				if isNew {
					m.publish(Event{Type: EventNewConnectedPeer, Peer: p})
				}
			})
		}
	})
	p.OnControllerMessage(func(rpcType string, body any) {
		m.publish(Event{Type: ControllerMessageEvent(rpcType), Peer: p, Body: body})
	})

	p.Start(ctx)
	return p
}

// Remove unregisters a peer by uuid without destroying it; callers that
// already called Destroy on the peer should use this to drop the
// now-stale registry entry rather than calling Add's replace path.
func (m *Manager) Remove(uuid string) {
	m.mu.Lock()
	delete(m.peers, uuid)
	m.mu.Unlock()
}

// Broadcast sends env to every connected, non-local peer. Send errors are
// logged and otherwise ignored; a peer that has actually gone away is
// detected by its own heartbeat watchdog, not by broadcast failures.
func (m *Manager) Broadcast(ctx context.Context, env Envelope) {
	for _, p := range m.All() {
		if p.IsLocal() || p.State() != Connected {
			continue
		}
		if err := p.send(ctx, env); err != nil {
			m.logger.Debug("broadcast send failed", "uuid", p.Descriptor().UUID, "error", err)
		}
	}
}
