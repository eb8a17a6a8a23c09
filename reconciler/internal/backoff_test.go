package internal

import (
	"testing"
	"time"
)

func TestDelayDoubles(t *testing.T) {
	base := 100 * time.Millisecond
	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, want := range expected {
		if got := Delay(base, i+1, 0); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestDelayCaps(t *testing.T) {
	if got := Delay(time.Second, 10, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected cap at 30s, got %v", got)
	}
}

func TestDelayDefaultsBase(t *testing.T) {
	if got := Delay(0, 1, 0); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms default base, got %v", got)
	}
}

func TestDelayClampsAttempt(t *testing.T) {
	if got := Delay(time.Second, 0, 0); got != time.Second {
		t.Fatalf("expected base for attempt 0, got %v", got)
	}
}
