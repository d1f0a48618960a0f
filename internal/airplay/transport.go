package airplay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/meshsync/meshsync/internal/clock"
)

// ErrClientPortUnset is returned by send paths that require a learned
// client_port before the transport may send; sends are refused until a
// client_port has been established.
var ErrClientPortUnset = errors.New("airplay: client_port not established")

// RangeResend is the payload of a 0x55 packet, surfaced to the higher
// layer for retransmission handling.
type RangeResend struct {
	MissedSeq   uint16
	MissedCount uint16
}

// Handler receives events parsed off the inbound socket. Its one callback,
// OnRangeResend, may be nil, in which case rangeResend packets are only
// counted.
type Handler struct {
	OnRangeResend func(rr RangeResend)
}

// Transport owns one bound UDP socket implementing the AirPlay RTP
// dialect. A Transport instance corresponds to one of the three AirPlay
// ports (control, timing, or data); which payload types it expects to
// see/emit depends on the caller's usage, matching the reference protocol
// where the same packet-level codec is reused across the three sockets.
type Transport struct {
	conn   *net.UDPConn
	logger *slog.Logger

	clientAddr atomic.Pointer[net.UDPAddr]

	sessionID uint32
	firstSent atomic.Bool

	handler Handler

	closeOnce sync.Once

	resendCount      atomic.Uint64
	audioPacketsSent atomic.Uint64
}

// ResendCount returns the number of rangeResend packets observed, for the
// metrics collector.
func (t *Transport) ResendCount() uint64 {
	return t.resendCount.Load()
}

// AudioPacketsSent returns the number of audioData packets sent, for the
// metrics collector.
func (t *Transport) AudioPacketsSent() uint64 {
	return t.audioPacketsSent.Load()
}

// BindWithRetry attempts to bind a UDP socket starting at basePort,
// incrementing on EADDRINUSE until it succeeds. A non-EADDRINUSE bind
// error is fatal and returned immediately.
func BindWithRetry(basePort int, maxAttempts int) (*net.UDPConn, int, error) {
	port := basePort
	for attempt := 0; attempt < maxAttempts; attempt++ {
		addr := &net.UDPAddr{Port: port}
		conn, err := net.ListenUDP("udp", addr)
		if err == nil {
			return conn, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("airplay: bind port %d: %w", port, err)
		}
		port++
	}
	return nil, 0, fmt.Errorf("airplay: no free port found starting at %d after %d attempts", basePort, maxAttempts)
}

// New wraps an already-bound UDP socket as a Transport.
func New(conn *net.UDPConn, sessionID uint32, handler Handler, logger *slog.Logger) *Transport {
	return &Transport{
		conn:      conn,
		sessionID: sessionID,
		handler:   handler,
		logger:    logger.With("subsystem", "airplay"),
	}
}

// LocalPort returns the socket's bound local port.
func (t *Transport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the underlying socket; safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

// Serve reads inbound packets until the socket is closed, dispatching
// timingRequest and rangeResend. Malformed packets (too short, unknown
// payload type) are dropped silently, never fatal.
func (t *Transport) Serve() error {
	buf := make([]byte, 2048)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if n < 4 {
			continue
		}
		t.handlePacket(buf[:n], addr)
	}
}

func (t *Transport) handlePacket(pkt []byte, from *net.UDPAddr) {
	hdr := ParseHeader(pkt)
	switch hdr.PayloadType {
	case PayloadTimingRequest:
		t.handleTimingRequest(hdr, pkt, from)
	case PayloadRangeResend:
		t.handleRangeResend(pkt)
	default:
		t.logger.Debug("dropping packet with unhandled payload type", "type", fmt.Sprintf("0x%02x", hdr.PayloadType))
	}
}

// handleTimingRequest parses the three NTP timestamps following the
// header (reference, received, send) and replies with a timingResponse
// whose slots are [send_time, now, now]. send_time is already in
// milliseconds per ParseNTP's contract, so it is echoed verbatim
// alongside two fresh now() readings.
func (t *Transport) handleTimingRequest(hdr Header, pkt []byte, from *net.UDPAddr) {
	if len(pkt) < 4+24 {
		return
	}
	sendTime := ParseNTP(pkt[4+16 : 4+24])

	now := clock.Now()
	resp := make([]byte, 4+24)
	EncodeHeaderInto(Header{
		Marker:      hdr.Marker,
		PayloadType: PayloadTimingResponse,
		Seqnum:      hdr.Seqnum,
	}, resp[0:4])
	EncodeNTPInto(sendTime, resp[4:12])
	EncodeNTPInto(now, resp[12:20])
	EncodeNTPInto(now, resp[20:28])

	clientAddr := t.clientAddr.Load()
	if clientAddr == nil {
		clientAddr = from
	}
	if _, err := t.conn.WriteToUDP(resp, clientAddr); err != nil {
		t.logger.Debug("timing response send failed", "error", err)
	}
}

func (t *Transport) handleRangeResend(pkt []byte) {
	if len(pkt) < 8 {
		return
	}
	t.resendCount.Add(1)
	if t.handler.OnRangeResend == nil {
		return
	}
	rr := RangeResend{
		MissedSeq:   binary.BigEndian.Uint16(pkt[4:6]),
		MissedCount: binary.BigEndian.Uint16(pkt[6:8]),
	}
	t.handler.OnRangeResend(rr)
}

// SetClientPort records the peer's UDP endpoint learned during the RAOP
// SETUP handshake; sends are refused until this is called.
func (t *Transport) SetClientPort(addr *net.UDPAddr) {
	t.clientAddr.Store(addr)
}

// SendAudioData builds and sends an audioData (0x60) packet as specified
// marker bit high, 0xE0 on the stream's first packet else
// 0x60, sequence number floor(timestamp/framesPerPacket), a u32 timestamp,
// u32 session id, then the ALAC payload.
//
// AES-CBC encryption of payload with the session's derived key/iv is
// applied by Device, which encrypts through its raop.Session before
// calling SendAudioData; this function itself is encryption-agnostic.
func (t *Transport) SendAudioData(timestamp uint32, framesPerPacket uint32, payload []byte) error {
	clientAddr := t.clientAddr.Load()
	if clientAddr == nil {
		return ErrClientPortUnset
	}

	seqnum := uint16(timestamp / framesPerPacket)
	isFirst := t.firstSent.CompareAndSwap(false, true)

	pkt := make([]byte, 4+4+4+len(payload))
	pkt[0] = 0x80
	if isFirst {
		pkt[1] = 0xE0
	} else {
		pkt[1] = 0x60
	}
	binary.BigEndian.PutUint16(pkt[2:4], seqnum)
	binary.BigEndian.PutUint32(pkt[4:8], timestamp)
	binary.BigEndian.PutUint32(pkt[8:12], t.sessionID)
	copy(pkt[12:], payload)

	_, err := t.conn.WriteToUDP(pkt, clientAddr)
	if err == nil {
		t.audioPacketsSent.Add(1)
	}
	return err
}

// SendSync builds and sends a sync (0x54) packet.
func (t *Transport) SendSync(nextChunkTS uint32, latencyMS uint32, isFirst bool) error {
	clientAddr := t.clientAddr.Load()
	if clientAddr == nil {
		return ErrClientPortUnset
	}

	pkt := make([]byte, 4+4+8+4)
	EncodeHeaderInto(Header{
		Marker:      true,
		Extension:   isFirst,
		PayloadType: PayloadSync,
		Seqnum:      7,
	}, pkt[0:4])
	binary.BigEndian.PutUint32(pkt[4:8], nextChunkTS-latencyMS)
	now := clock.Now()
	if now < 0 {
		now = 0
	}
	EncodeNTPInto(now, pkt[8:16])
	binary.BigEndian.PutUint32(pkt[16:20], nextChunkTS)

	_, err := t.conn.WriteToUDP(pkt, clientAddr)
	return err
}
