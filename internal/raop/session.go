// Package raop implements the RAOP (Remote Audio Output Protocol) pairing
// handshake used to establish an AirPlay sink session: an RTSP-style
// OPTIONS/ANNOUNCE/SETUP/RECORD exchange authenticated with HTTP Digest,
// followed by per-session AES-128-CBC key derivation for the audio
// payload. The digest challenge/response exchange mirrors a SIP trunk's
// auth flow adapted to RTSP semantics.
package raop

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Session holds the per-connection cryptographic material and endpoint
// information negotiated during SETUP.
type Session struct {
	SessionID    string
	AESKey       [16]byte
	AESIV        [16]byte
	ClientPort   int
	ControlPort  int
	TimingPort   int
}

// deriveKey expands a random master secret into an AES-128 key and IV using
// HKDF, keeping the transformation from "we have a TODO here" to a concrete,
// auditable derivation.
func deriveKey(secret []byte, info string) (key, iv [16]byte, err error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return key, iv, fmt.Errorf("raop: hkdf expand: %w", err)
	}
	copy(key[:], out[:16])
	copy(iv[:], out[16:32])
	return key, iv, nil
}

// NewSession generates a fresh random master secret and derives the
// session's AES-128-CBC key/IV from it via HKDF-SHA256.
func NewSession(sessionID string) (*Session, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("raop: generating session secret: %w", err)
	}
	key, iv, err := deriveKey(secret, "meshsync-raop-audio-key/"+sessionID)
	if err != nil {
		return nil, err
	}
	return &Session{SessionID: sessionID, AESKey: key, AESIV: iv}, nil
}

// EncryptPayload applies AES-128-CBC to an ALAC payload before it is
// framed into an audioData packet by the airplay package. AirPlay pads
// payloads to a multiple of the cipher block size with zero bytes, which
// the receiver discards using the frame's own sample-count framing rather
// than PKCS#7 unpadding.
func (s *Session) EncryptPayload(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("raop: new cipher: %w", err)
	}

	padded := make([]byte, ceilToBlock(len(plaintext), block.BlockSize()))
	copy(padded, plaintext)

	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, s.AESIV[:])
	mode.CryptBlocks(out, padded)
	return out, nil
}

// SDP builds the ANNOUNCE body describing this session's stream to the
// receiver: an audio m-line, the ALAC fmtp parameters, and the session's
// IV (the common open-receiver case this codebase targets has no RSA
// key to wrap the AES key against, so only the IV is advertised — see
// the handshake component's RSA-key note).
func (s *Session) SDP(localIP string, sampleRate, channels int) []byte {
	iv := base64.StdEncoding.EncodeToString(s.AESIV[:])
	sdp := fmt.Sprintf(
		"v=0\r\n"+
			"o=meshsync 0 0 IN IP4 %s\r\n"+
			"s=meshsync\r\n"+
			"c=IN IP4 %s\r\n"+
			"t=0 0\r\n"+
			"m=audio 0 RTP/AVP 96\r\n"+
			"a=rtpmap:96 AppleLossless\r\n"+
			"a=fmtp:96 352 0 16 40 10 14 2 255 0 0 %d %d\r\n"+
			"a=aesiv:%s\r\n",
		localIP, localIP, sampleRate, channels, iv,
	)
	return []byte(sdp)
}

func ceilToBlock(n, blockSize int) int {
	if n%blockSize == 0 {
		return n
	}
	return n + (blockSize - n%blockSize)
}
