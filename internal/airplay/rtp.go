// Package airplay implements the AirPlay-compatible RTP transport of
// a 4-byte RTP header dialect, NTP timestamp codec, UDP port
// acquisition with retry-on-EADDRINUSE, and the inbound/outbound packet
// handling for timing request/response, sync beacons, and audio data.
package airplay

import "encoding/binary"

// PayloadType identifies the second RTP header byte's low 7 bits.
type PayloadType byte

const (
	PayloadTimingRequest  PayloadType = 0x52
	PayloadTimingResponse PayloadType = 0x53
	PayloadSync           PayloadType = 0x54
	PayloadRangeResend    PayloadType = 0x55
	PayloadAudioData      PayloadType = 0x60
)

// Header is the 4-byte RTP dialect: byte 0 holds
// the extension bit and a 4-bit source; byte 1 holds the marker bit and a
// 7-bit payload type; bytes 2-3 are a big-endian sequence number.
type Header struct {
	Extension   bool
	Source      byte // 4 bits
	Marker      bool
	PayloadType PayloadType
	Seqnum      uint16
}

// Encode serializes h into a freshly allocated 4-byte header.
func (h Header) Encode() []byte {
	buf := make([]byte, 4)
	EncodeHeaderInto(h, buf)
	return buf
}

// EncodeHeaderInto writes h's 4 bytes into buf, which must be at least 4
// bytes long. Used by the outbound packet builders to avoid an extra
// allocation per packet.
func EncodeHeaderInto(h Header, buf []byte) {
	var b0 byte
	if h.Extension {
		b0 |= 0x80
	}
	b0 |= h.Source & 0x0F
	buf[0] = b0

	var b1 byte
	if h.Marker {
		b1 |= 0x80
	}
	b1 |= byte(h.PayloadType) & 0x7F
	buf[1] = b1

	binary.BigEndian.PutUint16(buf[2:4], h.Seqnum)
}

// ParseHeader decodes the first 4 bytes of buf into a Header. The caller
// must ensure len(buf) >= 4; malformed/short packets are the caller's
// responsibility to detect and drop.
func ParseHeader(buf []byte) Header {
	return Header{
		Extension:   buf[0]&0x80 != 0,
		Source:      buf[0] & 0x0F,
		Marker:      buf[1]&0x80 != 0,
		PayloadType: PayloadType(buf[1] & 0x7F),
		Seqnum:      binary.BigEndian.Uint16(buf[2:4]),
	}
}

// EncodeNTP converts a millisecond timestamp into the 8-byte fixed-point
// NTP representation: 32-bit big-endian integer seconds
// followed by 32-bit big-endian fractional seconds, fraction = frac/2^32.
func EncodeNTP(ms float64) []byte {
	buf := make([]byte, 8)
	EncodeNTPInto(ms, buf)
	return buf
}

// EncodeNTPInto writes the 8-byte NTP encoding of ms into buf, which must
// be at least 8 bytes long.
func EncodeNTPInto(ms float64, buf []byte) {
	seconds := ms / 1000
	whole := uint32(seconds)
	frac := seconds - float64(whole)
	fracBits := uint32(frac * 4294967296.0) // frac * 2^32
	binary.BigEndian.PutUint32(buf[0:4], whole)
	binary.BigEndian.PutUint32(buf[4:8], fracBits)
}

// ParseNTP decodes an 8-byte NTP timestamp into milliseconds-since-epoch,
// as (integer + fraction/2^32) * 1000.
func ParseNTP(buf []byte) float64 {
	whole := binary.BigEndian.Uint32(buf[0:4])
	frac := binary.BigEndian.Uint32(buf[4:8])
	return (float64(whole) + float64(frac)/4294967296.0) * 1000
}
