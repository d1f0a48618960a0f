package stats

import "testing"

func TestWindowMedianOddEven(t *testing.T) {
	w := New(10)
	for _, x := range []float64{5, 1, 3} {
		w.Push(x)
	}
	if got := w.Median(); got != 3 {
		t.Errorf("Median() = %v, want 3", got)
	}

	w.Push(9) // [5,1,3,9] sorted -> 1,3,5,9 -> avg(3,5)=4
	if got := w.Median(); got != 4 {
		t.Errorf("Median() = %v, want 4", got)
	}
}

func TestWindowEvictsOldestOnOverflow(t *testing.T) {
	w := New(3)
	w.Push(1)
	w.Push(2)
	w.Push(3)
	w.Push(4) // evicts 1

	if w.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", w.Len())
	}
	if got := w.Mean(); got != 3 {
		t.Errorf("Mean() = %v, want 3 (2+3+4)/3", got)
	}
}

func TestWindowFull(t *testing.T) {
	w := New(5)
	if w.Full(1) {
		t.Error("Full(1) true on empty window")
	}
	for i := 0; i < 3; i++ {
		w.Push(float64(i))
	}
	if !w.Full(3) {
		t.Error("Full(3) false with 3 samples")
	}
	if w.Full(4) {
		t.Error("Full(4) true with only 3 samples")
	}
}

func TestWindowFlush(t *testing.T) {
	w := New(4)
	w.Push(1)
	w.Push(2)
	w.Flush()
	if w.Len() != 0 {
		t.Errorf("Len() after Flush = %d, want 0", w.Len())
	}
	if w.Median() != 0 {
		t.Errorf("Median() after Flush = %v, want 0", w.Median())
	}
}

func TestWindowMeanEmpty(t *testing.T) {
	w := New(4)
	if got := w.Mean(); got != 0 {
		t.Errorf("Mean() on empty window = %v, want 0", got)
	}
}
