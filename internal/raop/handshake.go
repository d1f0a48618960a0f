package raop

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/icholy/digest"
)

// Handshake drives the RTSP-style OPTIONS/ANNOUNCE/SETUP/RECORD exchange
// against an AirPlay receiver. RTSP reuses HTTP's request/response grammar
// and header set, including WWW-Authenticate/Authorization, so a raw
// net.Conn plus a bufio.Reader is enough; no net/http RoundTripper fits
// RTSP's method set.
type Handshake struct {
	conn    net.Conn
	reader  *bufio.Reader
	host    string
	cseq    int
	session string

	username, password string
	logger              *slog.Logger
}

// Dial opens the RTSP control connection used for the handshake.
func Dial(ctx context.Context, addr string, username, password string, logger *slog.Logger) (*Handshake, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("raop: dial %s: %w", addr, err)
	}
	return &Handshake{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		host:     addr,
		username: username,
		password: password,
		logger:   logger.With("subsystem", "raop"),
	}, nil
}

// Close releases the control connection.
func (h *Handshake) Close() error {
	return h.conn.Close()
}

// rtspResponse is the minimal parsed response this client needs: a status
// code and a header map.
type rtspResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// request sends one RTSP request and returns its parsed response. If the
// server challenges with 401, the request is retried once with a Digest
// Authorization header computed from the handshake's username/password,
// the same challenge/response cycle a SIP trunk registration performs.
func (h *Handshake) request(method, uri string, headers map[string]string, body []byte) (*rtspResponse, error) {
	resp, err := h.do(method, uri, headers, body)
	if err != nil {
		return nil, err
	}
	if resp.Status != 401 {
		return resp, nil
	}

	wwwAuth, ok := resp.Headers["www-authenticate"]
	if !ok {
		return resp, nil
	}
	chal, err := digest.ParseChallenge(wwwAuth)
	if err != nil {
		return nil, fmt.Errorf("raop: parsing digest challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: h.username,
		Password: h.password,
	})
	if err != nil {
		return nil, fmt.Errorf("raop: computing digest: %w", err)
	}

	authHeaders := cloneHeaders(headers)
	authHeaders["Authorization"] = cred.String()
	return h.do(method, uri, authHeaders, body)
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (h *Handshake) do(method, uri string, headers map[string]string, body []byte) (*rtspResponse, error) {
	h.cseq++
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s RTSP/1.0\r\n", method, uri)
	fmt.Fprintf(&buf, "CSeq: %d\r\n", h.cseq)
	if h.session != "" {
		fmt.Fprintf(&buf, "Session: %s\r\n", h.session)
	}
	for k, v := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	if len(body) > 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	if _, err := h.conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("raop: write request: %w", err)
	}
	return h.readResponse()
}

func (h *Handshake) readResponse() (*rtspResponse, error) {
	statusLine, err := h.reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("raop: read status line: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("raop: malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("raop: malformed status code %q", parts[1])
	}

	headers := make(map[string]string)
	contentLength := 0
	for {
		line, err := h.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("raop: read header line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		headers[key] = val
		if key == "content-length" {
			contentLength, _ = strconv.Atoi(val)
		}
		if key == "session" {
			h.session = val
		}
	}

	var body []byte
	if contentLength > 0 {
		body = make([]byte, contentLength)
		if _, err := io.ReadFull(h.reader, body); err != nil {
			return nil, fmt.Errorf("raop: read body: %w", err)
		}
	}

	return &rtspResponse{Status: status, Headers: headers, Body: body}, nil
}

// Options issues the initial OPTIONS probe, used to confirm the receiver
// speaks RTSP before committing to the rest of the handshake.
func (h *Handshake) Options(uri string) error {
	resp, err := h.request("OPTIONS", uri, map[string]string{"Require": "com.apple.recvr"}, nil)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("raop: OPTIONS failed with status %d", resp.Status)
	}
	return nil
}

// Announce sends the session's SDP description, declaring the stream's
// ALAC format and the negotiated AES key/IV (base64 fields are populated by
// the caller's SDP builder; Announce here is transport-only).
func (h *Handshake) Announce(uri string, sdp []byte) error {
	resp, err := h.request("ANNOUNCE", uri, map[string]string{"Content-Type": "application/sdp"}, sdp)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("raop: ANNOUNCE failed with status %d", resp.Status)
	}
	return nil
}

// Setup negotiates the UDP ports for control, timing, and audio data, and
// returns the receiver's chosen ports parsed out of the Transport header.
func (h *Handshake) Setup(uri string, controlPort, timingPort int) (serverPort, serverControlPort, serverTimingPort int, err error) {
	transport := fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d",
		controlPort, timingPort,
	)
	resp, err := h.request("SETUP", uri, map[string]string{"Transport": transport}, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	if resp.Status != 200 {
		return 0, 0, 0, fmt.Errorf("raop: SETUP failed with status %d", resp.Status)
	}
	return parseTransportPorts(resp.Headers["transport"])
}

func parseTransportPorts(transport string) (serverPort, controlPort, timingPort int, err error) {
	for _, field := range strings.Split(transport, ";") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "server_port":
			serverPort, _ = strconv.Atoi(kv[1])
		case "control_port":
			controlPort, _ = strconv.Atoi(kv[1])
		case "timing_port":
			timingPort, _ = strconv.Atoi(kv[1])
		}
	}
	if serverPort == 0 {
		return 0, 0, 0, fmt.Errorf("raop: SETUP response missing server_port in Transport header %q", transport)
	}
	return serverPort, controlPort, timingPort, nil
}

// Record starts playback after SETUP has completed, given the starting
// RTP sequence number and timestamp.
func (h *Handshake) Record(uri string, seq uint16, rtpTime uint32) error {
	resp, err := h.request("RECORD", uri, map[string]string{
		"Range":     "npt=0-",
		"RTP-Info":  fmt.Sprintf("seq=%d;rtptime=%d", seq, rtpTime),
	}, nil)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("raop: RECORD failed with status %d", resp.Status)
	}
	return nil
}

// Teardown gracefully ends the session.
func (h *Handshake) Teardown(uri string) error {
	_, err := h.request("TEARDOWN", uri, nil, nil)
	return err
}

// Pair drives the full OPTIONS/ANNOUNCE/SETUP/RECORD sequence against an
// AirPlay receiver at addr (host:port), advertising controlPort/timingPort
// as this process's already-bound local ports, and returns the session's
// derived key material together with the receiver's chosen data port. The
// returned *Handshake's control connection is left open; the caller owns
// it and must Close it when the sink is torn down.
func Pair(ctx context.Context, addr, localIP, username, password string, controlPort, timingPort, sampleRate, channels int, logger *slog.Logger) (*Session, *Handshake, int, error) {
	h, err := Dial(ctx, addr, username, password, logger)
	if err != nil {
		return nil, nil, 0, err
	}

	uri := "rtsp://" + addr + "/meshsync"
	if err := h.Options(uri); err != nil {
		h.Close()
		return nil, nil, 0, fmt.Errorf("raop: options: %w", err)
	}

	sess, err := NewSession(addr)
	if err != nil {
		h.Close()
		return nil, nil, 0, err
	}

	if err := h.Announce(uri, sess.SDP(localIP, sampleRate, channels)); err != nil {
		h.Close()
		return nil, nil, 0, fmt.Errorf("raop: announce: %w", err)
	}

	dataPort, serverControlPort, serverTimingPort, err := h.Setup(uri, controlPort, timingPort)
	if err != nil {
		h.Close()
		return nil, nil, 0, fmt.Errorf("raop: setup: %w", err)
	}

	if err := h.Record(uri, 0, 0); err != nil {
		h.Close()
		return nil, nil, 0, fmt.Errorf("raop: record: %w", err)
	}

	sess.ClientPort = dataPort
	sess.ControlPort = serverControlPort
	sess.TimingPort = serverTimingPort
	return sess, h, dataPort, nil
}
