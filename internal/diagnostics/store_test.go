package diagnostics

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordAndRecent(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	events := []SyncEvent{
		{PeerUUID: "peer-a", TS: 1, DeltaMS: 10, RTTMs: 20, RingLen: 1},
		{PeerUUID: "peer-a", TS: 2, DeltaMS: 11, RTTMs: 21, RingLen: 2},
		{PeerUUID: "peer-b", TS: 1, DeltaMS: 5, RTTMs: 9, RingLen: 1},
	}
	for _, ev := range events {
		if err := store.Record(ev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Recent("peer-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events for peer-a, want 2", len(got))
	}
	if got[0].TS != 2 || got[1].TS != 1 {
		t.Fatalf("events not newest-first: %+v", got)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dir, testLogger())
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
}
