package exchange

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	b := newBackoff(1*time.Second, 60*time.Second, 2)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffResetReturnsToStart(t *testing.T) {
	b := newBackoff(1*time.Second, 60*time.Second, 2)
	for i := 0; i < 5; i++ {
		b.next()
	}
	b.reset()
	if got := b.next(); got != 1*time.Second {
		t.Fatalf("after reset: got %v, want 1s", got)
	}
	if got := b.next(); got != 2*time.Second {
		t.Fatalf("after reset, second attempt: got %v, want 2s", got)
	}
}

func TestBackoffGentlerFactor(t *testing.T) {
	b := newBackoff(1*time.Second, 60*time.Second, 1.5)

	want := []time.Duration{
		1 * time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}
