package raop

import "testing"

func TestNewSessionProducesDistinctKeys(t *testing.T) {
	a, err := NewSession("session-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSession("session-b")
	if err != nil {
		t.Fatal(err)
	}
	if a.AESKey == b.AESKey {
		t.Fatal("two sessions derived the same AES key")
	}
}

func TestEncryptPayloadPadsToBlockSize(t *testing.T) {
	s, err := NewSession("session")
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("not a multiple of sixteen")
	ct, err := s.EncryptPayload(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if len(ct)%16 != 0 {
		t.Fatalf("ciphertext length %d is not a multiple of the AES block size", len(ct))
	}
}

func TestCeilToBlock(t *testing.T) {
	cases := map[int]int{0: 0, 1: 16, 16: 16, 17: 32, 31: 32, 32: 32}
	for n, want := range cases {
		if got := ceilToBlock(n, 16); got != want {
			t.Errorf("ceilToBlock(%d, 16) = %d, want %d", n, got, want)
		}
	}
}
