// Package peer implements the peer link, time-synchronization estimator,
// and peer registry: per-peer bidirectional control messaging with RPC
// correlation and a heartbeat watchdog, clock-offset estimation over a
// bounded ring of round-trip samples, and a uuid-keyed registry enforcing
// the single-live-peer invariant.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshsync/meshsync/internal/clock"
	"github.com/meshsync/meshsync/internal/stats"
)

// ErrDestroyed is returned by operations attempted against a peer that has
// already transitioned to Deleted.
var ErrDestroyed = errors.New("peer: destroyed")

// ErrBadTransition is returned when a caller attempts an illegal state
// transition (anything but strictly forward, or any transition out of
// Deleted).
var ErrBadTransition = errors.New("peer: illegal state transition")

// nowFunc is a package-level indirection over clock.Now so tests can
// substitute a controllable clock without threading one through every
// constructor.
var nowFunc = clock.Now

type pendingRPC struct {
	result chan rpcResult
}

type rpcResult struct {
	body any
	err  error
}

// Peer represents one remote participant in the mesh (or, when isLocal is
// set, the local process's own identity). All mutable state is guarded by
// mu; the control context is expected to serialize handling for a given
// peer, but Peer is written to tolerate concurrent access
// regardless since RPC completion and HTTP status reads may come from other
// goroutines.
type Peer struct {
	cfg Config

	mu         sync.RWMutex
	descriptor Descriptor
	state      State
	isLocal    bool

	transport Transport
	lookup    HandlerLookup

	ring           *stats.Window
	committedDelta float64

	rpcPending map[string]*pendingRPC

	noResponseTimer *time.Timer
	initTimers      []*time.Timer
	refreshTicker   *time.Ticker
	stopRefresh     chan struct{}

	onStateChange          []func(State)
	onTimeDeltaUpdated     []func(float64)
	onTimesyncStateUpdated []func()
	onControllerMessage    []func(msgType string, body any)

	logger *slog.Logger
}

// HandlerLookup resolves the RPCHandler registered for a given rpc_type.
// The Manager owns the registry; peers consult it through this function so
// that handler registration lives in one place, dispatching inbound RPC
// requests to whichever handler is registered for their type.
type HandlerLookup func(rpcType string) (RPCHandler, bool)

// New creates a remote peer link in the Connecting state, wired to the
// given transport. The caller must call Start to begin the periodic
// timekeeper and heartbeat watchdog.
func New(descriptor Descriptor, transport Transport, lookup HandlerLookup, cfg Config, logger *slog.Logger) *Peer {
	return &Peer{
		cfg:        cfg,
		descriptor: descriptor,
		state:      Connecting,
		transport:  transport,
		lookup:     lookup,
		ring:       stats.New(cfg.RingCapacity),
		rpcPending: make(map[string]*pendingRPC),
		logger:     logger.With("subsystem", "peer", "uuid", descriptor.UUID),
	}
}

// NewLocal creates the distinguished local-peer instance: it exists from
// startup, is always Connected, never sends timekeep requests (its delta is
// 0 by construction), and is always time-synchronized.
func NewLocal(descriptor Descriptor, logger *slog.Logger) *Peer {
	return &Peer{
		cfg:        DefaultConfig(),
		descriptor: descriptor,
		state:      Connected,
		isLocal:    true,
		ring:       stats.New(1),
		rpcPending: make(map[string]*pendingRPC),
		logger:     logger.With("subsystem", "peer", "uuid", descriptor.UUID, "local", true),
	}
}

// Descriptor returns the peer's current descriptor.
func (p *Peer) Descriptor() Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descriptor
}

// SetDescriptor replaces the descriptor, e.g. on a peerInfo refresh.
func (p *Peer) SetDescriptor(d Descriptor) {
	p.mu.Lock()
	p.descriptor = d
	p.mu.Unlock()
}

// IsLocal reports whether this Peer represents the current process.
func (p *Peer) IsLocal() bool {
	return p.isLocal
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// OnStateChange registers an observer invoked on every transition. A
// listener may itself call back into the peer, so the notification is
// deferred to the next scheduling tick, ensuring a peer that connects
// synchronously at construction and one that connects later both observe
// the same ordering relative to other events.
func (p *Peer) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.onStateChange = append(p.onStateChange, fn)
	p.mu.Unlock()
}

// OnTimeDeltaUpdated registers an observer invoked whenever the committed
// time delta changes.
func (p *Peer) OnTimeDeltaUpdated(fn func(float64)) {
	p.mu.Lock()
	p.onTimeDeltaUpdated = append(p.onTimeDeltaUpdated, fn)
	p.mu.Unlock()
}

// OnTimesyncStateUpdated registers an observer invoked after every
// processed timing sample, regardless of whether the commit threshold was
// crossed — used by callers waiting for first-sync completion.
func (p *Peer) OnTimesyncStateUpdated(fn func()) {
	p.mu.Lock()
	p.onTimesyncStateUpdated = append(p.onTimesyncStateUpdated, fn)
	p.mu.Unlock()
}

// OnControllerMessage registers an observer invoked for every inbound RPC
// request this peer receives (not responses), with the request's rpc_type
// and body — regardless of whether a handler is registered for that type.
// The Manager uses this to fan requests out as controllerMessage:<type>
// events for subscribers outside the RPC handler registry.
func (p *Peer) OnControllerMessage(fn func(msgType string, body any)) {
	p.mu.Lock()
	p.onControllerMessage = append(p.onControllerMessage, fn)
	p.mu.Unlock()
}

// SetState attempts the transition to next. Only forward transitions are
// legal; Deleted is terminal. Entering Connected fires the initial burst of
// timekeep probes; leaving Connected flushes the delta ring.
func (p *Peer) SetState(next State) error {
	p.mu.Lock()
	cur := p.state
	if !canTransition(cur, next) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, cur, next)
	}
	p.state = next

	if cur == Connected && next != Connected {
		p.ring.Flush()
	}
	p.mu.Unlock()

	if next == Connected && !p.isLocal {
		p.fireInitBurst()
	}

	// Deferred to the next scheduling tick.
	time.AfterFunc(0, func() {
		p.mu.RLock()
		listeners := append([]func(State){}, p.onStateChange...)
		p.mu.RUnlock()
		for _, fn := range listeners {
			fn(next)
		}
	})

	return nil
}

// Start begins the steady-state timekeeper and the heartbeat watchdog of a
// non-local peer; on the local peer it does nothing. Safe to call once per
// peer.
func (p *Peer) Start(ctx context.Context) {
	if p.isLocal {
		return
	}
	p.armNoResponseTimer()

	p.mu.Lock()
	p.stopRefresh = make(chan struct{})
	p.refreshTicker = time.NewTicker(p.cfg.TimekeeperRefresh)
	stop := p.stopRefresh
	ticker := p.refreshTicker
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				p.sendTimekeepRequest(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// fireInitBurst schedules InitRequestCount timekeep requests spaced
// InitRequestInterval apart, to populate the ring quickly after connect
// (the estimator never commits on a single noisy sample).
func (p *Peer) fireInitBurst() {
	ctx := context.Background()
	p.mu.Lock()
	p.initTimers = make([]*time.Timer, 0, p.cfg.InitRequestCount)
	for i := 0; i < p.cfg.InitRequestCount; i++ {
		delay := time.Duration(i) * p.cfg.InitRequestInterval
		t := time.AfterFunc(delay, func() { p.sendTimekeepRequest(ctx) })
		p.initTimers = append(p.initTimers, t)
	}
	p.mu.Unlock()
}

// armNoResponseTimer (re)starts the heartbeat watchdog. Called on Start and
// on every inbound message.
func (p *Peer) armNoResponseTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noResponseTimer != nil {
		p.noResponseTimer.Stop()
	}
	timeout := p.cfg.NoResponseTimeout
	p.noResponseTimer = time.AfterFunc(timeout, func() {
		p.logger.Warn("no response from peer, destroying", "timeout", timeout)
		p.Destroy(true, false)
	})
}

// Destroy transitions the peer to Deleted, cancels all timers, drops
// in-flight RPCs without delivering a response (their SendRPC calls
// return ErrDestroyed), and removes listeners. canReconnect and
// advertiseDestroy are informational for the owning Manager; Destroy
// itself never reconnects or advertises — that is the Manager's job.
func (p *Peer) Destroy(canReconnect, advertiseDestroy bool) {
	p.mu.Lock()
	if p.state == Deleted {
		p.mu.Unlock()
		return
	}
	p.state = Deleted
	p.ring.Flush()

	if p.noResponseTimer != nil {
		p.noResponseTimer.Stop()
	}
	for _, t := range p.initTimers {
		t.Stop()
	}
	if p.refreshTicker != nil {
		p.refreshTicker.Stop()
	}
	if p.stopRefresh != nil {
		close(p.stopRefresh)
		p.stopRefresh = nil
	}

	// In-flight RPCs get no response; drop the table and close their
	// result channels below so SendRPC returns ErrDestroyed.
	pending := p.rpcPending
	p.rpcPending = make(map[string]*pendingRPC)

	listeners := append([]func(State){}, p.onStateChange...)
	p.onStateChange = nil
	p.onTimeDeltaUpdated = nil
	p.onTimesyncStateUpdated = nil
	p.onControllerMessage = nil
	transport := p.transport
	p.mu.Unlock()

	for _, pr := range pending {
		close(pr.result)
	}

	if transport != nil {
		if err := transport.Close(); err != nil {
			p.logger.Debug("error closing transport on destroy", "error", err)
		}
	}

	p.logger.Info("peer destroyed", "can_reconnect", canReconnect, "advertise_destroy", advertiseDestroy)

	time.AfterFunc(0, func() {
		for _, fn := range listeners {
			fn(Deleted)
		}
	})
}

// send transmits an envelope over the peer's transport. Returns
// ErrDestroyed if the peer has no live transport (local peer, or already
// destroyed).
func (p *Peer) send(ctx context.Context, env Envelope) error {
	p.mu.RLock()
	t := p.transport
	p.mu.RUnlock()
	if t == nil {
		return ErrDestroyed
	}
	return t.Send(ctx, env)
}

// generateUUID is a package-level indirection so tests can pin generated
// ids; defaults to a real random uuid.
var generateUUID = func() string { return uuid.NewString() }

// sendTimekeepRequest emits one probe. Failures are logged and otherwise
// ignored — the heartbeat watchdog, not the send path, is what decides a
// peer has gone away.
func (p *Peer) sendTimekeepRequest(ctx context.Context) {
	env := Envelope{
		Type:            MsgTimekeepRequest,
		TimekeepRequest: &TimekeepRequest{SentAt: nowFunc()},
	}
	if err := p.send(ctx, env); err != nil {
		p.logger.Debug("timekeep request send failed", "error", err)
	}
}

// CommittedDelta returns the last committed clock offset, in milliseconds,
// to add to the local clock to obtain this peer's clock.
func (p *Peer) CommittedDelta() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.committedDelta
}

// IsTimeSynchronized reports whether enough round-trip samples have been
// collected to trust the committed delta. The local peer is synchronized
// by construction.
func (p *Peer) IsTimeSynchronized() bool {
	if p.isLocal {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ring.Full(p.cfg.InitRequestCount)
}

// GetCurrentTime returns this peer's estimated clock reading. When precise
// is true the instantaneous ring median is used instead of the committed,
// hysteresis-gated delta — useful for one-off precision reads where the
// small extra jitter is preferable to the commit lag.
func (p *Peer) GetCurrentTime(precise bool) float64 {
	if p.isLocal {
		return nowFunc()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if precise && p.ring.Len() > 0 {
		return nowFunc() + p.ring.Median()
	}
	return nowFunc() + p.committedDelta
}

// HandleEnvelope dispatches one inbound message. Every inbound message,
// regardless of type, resets the no-response watchdog.
func (p *Peer) HandleEnvelope(ctx context.Context, env Envelope) {
	if p.State() == Deleted {
		return
	}
	if !p.isLocal {
		p.armNoResponseTimer()
	}

	switch env.Type {
	case MsgTimekeepRequest:
		p.handleTimekeepRequest(ctx, env.TimekeepRequest)
	case MsgTimekeepResponse:
		p.handleTimekeepResponse(env.TimekeepResponse)
	case MsgPeerInfo:
		if env.PeerInfo != nil {
			p.SetDescriptor(env.PeerInfo.Peer)
		}
	case MsgDisconnect:
		p.Destroy(true, false)
	case MsgRPC:
		p.handleRPC(ctx, env.RPC)
	default:
		p.logger.Warn("unknown envelope type", "type", env.Type)
	}
}

// handleTimekeepRequest answers immediately with the local clock reading;
// responding as late as possible (after all other work for this tick) would
// bias the roundtrip estimate, so this runs synchronously in the dispatch
// path.
func (p *Peer) handleTimekeepRequest(ctx context.Context, req *TimekeepRequest) {
	if req == nil {
		return
	}
	resp := Envelope{
		Type: MsgTimekeepResponse,
		TimekeepResponse: &TimekeepResponse{
			SentAt:      req.SentAt,
			RespondedAt: nowFunc(),
		},
	}
	if err := p.send(ctx, resp); err != nil {
		p.logger.Debug("timekeep response send failed", "error", err)
	}
}

// handleTimekeepResponse is the clock-offset estimator: it folds a fresh
// round-trip sample into the ring and recomputes the committed delta.
// It assumes the outbound and return legs of the round trip took equal
// time, attributes the midpoint to the moment the peer read its own clock,
// and derives the delta sample from that. Samples accumulate in a bounded
// median-filtered window; the committed delta only moves when the new
// median differs from it by more than the configured threshold, which
// damps single-probe jitter into a stable value suitable for scheduling
// playback.
func (p *Peer) handleTimekeepResponse(resp *TimekeepResponse) {
	if resp == nil || p.isLocal {
		return
	}
	receivedAt := nowFunc()
	roundtrip := receivedAt - resp.SentAt
	peerReceivedAt := resp.SentAt + roundtrip/2
	deltaSample := resp.RespondedAt - peerReceivedAt

	p.mu.Lock()
	p.ring.Push(deltaSample)
	full := p.ring.Full(p.cfg.InitRequestCount)
	var newDelta float64
	committed := false
	if full {
		newDelta = p.ring.Median()
		if absF(newDelta-p.committedDelta) > p.cfg.MsDiffToUpdate {
			p.committedDelta = newDelta
			committed = true
		}
	}
	deltaListeners := append([]func(float64){}, p.onTimeDeltaUpdated...)
	syncListeners := append([]func(){}, p.onTimesyncStateUpdated...)
	p.mu.Unlock()

	if committed {
		for _, fn := range deltaListeners {
			fn(newDelta)
		}
	}
	// Unconditionally emit after every processed sample, so waiters can
	// observe first-sync completion even when the threshold wasn't crossed.
	for _, fn := range syncListeners {
		fn()
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// handleRPC routes an inbound RPC envelope: a request is dispatched to the
// handler registered for its rpc_type; a response resolves (or is silently
// dropped, if the UUID is unknown — e.g. the caller already gave up) the
// matching pending call.
func (p *Peer) handleRPC(ctx context.Context, rpc *RPCEnvelope) {
	if rpc == nil {
		return
	}
	if rpc.IsResponse {
		p.mu.Lock()
		pr, ok := p.rpcPending[rpc.UUID]
		if ok {
			delete(p.rpcPending, rpc.UUID)
		}
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("dropping rpc response for unknown uuid", "uuid", rpc.UUID)
			return
		}
		res := rpcResult{body: rpc.Body}
		if rpc.IsError {
			if msg, ok := rpc.Body.(string); ok {
				res.err = errors.New(msg)
			} else {
				res.err = fmt.Errorf("peer: rpc %s failed", rpc.RPCType)
			}
		}
		pr.result <- res
		close(pr.result)
		return
	}

	p.mu.RLock()
	listeners := append([]func(string, any){}, p.onControllerMessage...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(rpc.RPCType, rpc.Body)
	}

	if p.lookup == nil {
		p.logger.Warn("rpc request received with no handler lookup configured", "rpc_type", rpc.RPCType)
		return
	}
	handler, ok := p.lookup(rpc.RPCType)
	if !ok {
		p.logger.Warn("no handler registered for rpc type", "rpc_type", rpc.RPCType)
		return
	}

	go func() {
		body, err := handler(ctx, rpc.Body)
		reply := RPCEnvelope{UUID: rpc.UUID, RPCType: rpc.RPCType, IsResponse: true}
		if err != nil {
			reply.IsError = true
			reply.Body = err.Error()
		} else {
			reply.Body = body
		}
		if sendErr := p.send(ctx, Envelope{Type: MsgRPC, RPC: &reply}); sendErr != nil {
			p.logger.Debug("rpc reply send failed", "error", sendErr, "uuid", rpc.UUID)
		}
	}()
}

// SendRPC issues an RPC request and blocks until a matching response
// arrives, the context is cancelled, or the peer is destroyed. There is no
// built-in timeout: callers that need one wrap this call with their own
// context deadline, since the appropriate timeout varies by rpc_type.
func (p *Peer) SendRPC(ctx context.Context, rpcType string, body any) (any, error) {
	id := generateUUID()
	result := make(chan rpcResult, 1)

	p.mu.Lock()
	if p.state == Deleted {
		p.mu.Unlock()
		return nil, ErrDestroyed
	}
	p.rpcPending[id] = &pendingRPC{result: result}
	p.mu.Unlock()

	env := Envelope{
		Type: MsgRPC,
		RPC: &RPCEnvelope{
			UUID:    id,
			RPCType: rpcType,
			Body:    body,
		},
	}
	if err := p.send(ctx, env); err != nil {
		p.mu.Lock()
		delete(p.rpcPending, id)
		p.mu.Unlock()
		return nil, err
	}

	select {
	case res, ok := <-result:
		if !ok {
			return nil, ErrDestroyed
		}
		return res.body, res.err
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.rpcPending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}
