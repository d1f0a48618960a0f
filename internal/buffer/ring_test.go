package buffer

import "testing"

func TestRingWriteReadRoundTrip(t *testing.T) {
	r := New(100, 1000, 1) // 100 samples long
	if r.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", r.Len())
	}

	chunk := []float32{1, 2, 3, 4, 5}
	r.Write(10, chunk)

	got := r.Read(10, 5)
	for i, v := range chunk {
		if got[i] != v {
			t.Errorf("Read[%d] = %v, want %v", i, got[i], v)
		}
	}
}

func TestRingWrapsAround(t *testing.T) {
	r := New(10, 1000, 1) // 10 samples long
	chunk := []float32{1, 2, 3, 4}
	r.Write(8, chunk) // wraps: indices 8,9,0,1

	got := r.Read(8, 4)
	for i, v := range chunk {
		if got[i] != v {
			t.Errorf("Read[%d] = %v, want %v", i, got[i], v)
		}
	}
}

func TestRingNegativeOffsetNormalizes(t *testing.T) {
	r := New(10, 1000, 1)
	r.Write(-2, []float32{9, 9})
	got := r.Read(8, 2)
	if got[0] != 9 || got[1] != 9 {
		t.Errorf("Read after negative-offset write = %v, want [9 9]", got)
	}
}

func TestRingReadIntoAndClear(t *testing.T) {
	r := New(10, 1000, 1)
	r.Write(0, []float32{1, 2, 3})

	dst := make([]float32, 3)
	n := r.ReadInto(0, dst)
	if n != 3 {
		t.Fatalf("ReadInto returned %d, want 3", n)
	}
	if dst[0] != 1 || dst[1] != 2 || dst[2] != 3 {
		t.Errorf("ReadInto = %v, want [1 2 3]", dst)
	}

	r.Clear(0, 3)
	got := r.Read(0, 3)
	if got[0] != 0 || got[1] != 0 || got[2] != 0 {
		t.Errorf("Read after Clear = %v, want [0 0 0]", got)
	}
}
