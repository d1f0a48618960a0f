package airplay

import (
	"math"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	payloadTypes := []PayloadType{PayloadTimingRequest, PayloadTimingResponse, PayloadSync, PayloadRangeResend, PayloadAudioData}

	for _, ext := range []bool{false, true} {
		for _, marker := range []bool{false, true} {
			for source := 0; source <= 15; source++ {
				for _, pt := range payloadTypes {
					for _, seq := range []uint16{0, 1, 65535, 32768} {
						h := Header{
							Extension:   ext,
							Source:      byte(source),
							Marker:      marker,
							PayloadType: pt,
							Seqnum:      seq,
						}
						got := ParseHeader(h.Encode())
						if got != h {
							t.Fatalf("roundtrip mismatch: want %+v got %+v", h, got)
						}
					}
				}
			}
		}
	}
}

func TestNTPRoundTrip(t *testing.T) {
	cases := []float64{0, 1, 1000, 1_700_000_000_000, 5000, float64(1 << 32 - 1) * 1000}
	for _, ms := range cases {
		got := ParseNTP(EncodeNTP(ms))
		if math.Abs(got-ms) >= 1 {
			t.Errorf("NTP roundtrip(%v) = %v, want within 1ms", ms, got)
		}
	}
}

func TestNTPRoundTripSweep(t *testing.T) {
	// Sweep across the domain rather than exhaustively (2^32 * 1000 values
	// is not practical); invariant 8 bounds error to < 1ms everywhere.
	for i := 0; i < 1000; i++ {
		ms := float64(i) * 4_294_967_296 // spread samples across the full range
		got := ParseNTP(EncodeNTP(ms))
		if math.Abs(got-ms) >= 1 {
			t.Fatalf("NTP roundtrip(%v) = %v, want within 1ms", ms, got)
		}
	}
}
