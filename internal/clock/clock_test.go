package clock

import (
	"testing"
	"time"
)

func TestNowNonDecreasing(t *testing.T) {
	a := Now()
	time.Sleep(2 * time.Millisecond)
	b := Now()
	if b < a {
		t.Errorf("Now() went backwards: %v then %v", a, b)
	}
	if b-a < 1 {
		t.Errorf("Now() delta too small after 2ms sleep: %v", b-a)
	}
}
