package peer

import "context"

// MessageType discriminates the control-message variants a Link can carry.
// Re-architected from the source project's runtime event-emitter pattern
// into a closed sum type with typed fields per variant (see DESIGN.md).
type MessageType string

const (
	MsgTimekeepRequest  MessageType = "timekeepRequest"
	MsgTimekeepResponse MessageType = "timekeepResponse"
	MsgPeerInfo         MessageType = "peerInfo"
	MsgDisconnect       MessageType = "disconnect"
	MsgRPC              MessageType = "rpc"
)

// TimekeepRequest asks the peer to reflect back its local clock reading.
type TimekeepRequest struct {
	SentAt float64 // local clock.Now() at send time
}

// TimekeepResponse echoes the request's SentAt and reports the peer's own
// clock reading at the moment it processed the request.
type TimekeepResponse struct {
	SentAt      float64 // echoed from the request
	RespondedAt float64 // peer's clock.Now() when it handled the request
}

// PeerInfo carries a peer's descriptor, used both for the initial handshake
// and to refresh shared state.
type PeerInfo struct {
	Peer        Descriptor
	SharedState map[string]any // optional; nil when not present
}

// Disconnect is a graceful teardown notice.
type Disconnect struct{}

// RPCEnvelope correlates a request with its response by UUID. IsResponse
// distinguishes a request (false) from a reply (true); IsError marks a
// reply that carries a textual error in Body rather than a result.
type RPCEnvelope struct {
	UUID       string
	RPCType    string
	IsResponse bool
	IsError    bool
	Body       any
}

// Envelope is the wire-level control message. Exactly one of the typed
// fields is populated, selected by Type — the Go expression of the sum
// type described in DESIGN.md.
type Envelope struct {
	Type MessageType

	TimekeepRequest  *TimekeepRequest  `json:",omitempty"`
	TimekeepResponse *TimekeepResponse `json:",omitempty"`
	PeerInfo         *PeerInfo         `json:",omitempty"`
	Disconnect       *Disconnect       `json:",omitempty"`
	RPC              *RPCEnvelope      `json:",omitempty"`
}

// Transport is the capability a peer link needs from its concrete
// connection: send a message, and close the connection. The external
// collaborator (WebSocket, WebRTC data channel, …) implements this; meshsync
// never inherits from a transport base type, it composes one in.
//
// Transport need only be ordered and reliable while connected.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// RPCHandler processes an inbound RPC request and returns the response
// body, or an error which is reported back to the caller as IsError=true.
type RPCHandler func(ctx context.Context, body any) (any, error)
