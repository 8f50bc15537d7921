package audio

import (
	"testing"
	"time"
)

func TestRingDropsOldestOnOverflow(t *testing.T) {
	r := NewRing(8000, 10*time.Millisecond) // tiny capacity: 8000*2*0.01 = 160 bytes
	first := make([]byte, 100)
	for i := range first {
		first[i] = 0xAA
	}
	second := make([]byte, 100)
	for i := range second {
		second[i] = 0xBB
	}

	r.Push(first)
	r.Push(second)

	data := r.Drain()
	if len(data) == 0 {
		t.Fatal("expected some buffered data")
	}
	if data[len(data)-1] != 0xBB {
		t.Errorf("expected newest bytes retained, got tail byte %x", data[len(data)-1])
	}
	if r.Overflows() == 0 {
		t.Errorf("expected overflow to be recorded")
	}
}

func TestRingDrainEmptiesBuffer(t *testing.T) {
	r := NewRing(16000, time.Second)
	r.Push([]byte{1, 2, 3, 4})
	if r.Len() != 4 {
		t.Fatalf("expected length 4, got %d", r.Len())
	}
	data := r.Drain()
	if len(data) != 4 {
		t.Fatalf("expected drained length 4, got %d", len(data))
	}
	if r.Len() != 0 {
		t.Errorf("expected empty ring after drain, got %d", r.Len())
	}
}

func TestRingResetClearsOverflowCount(t *testing.T) {
	r := NewRing(8000, 10*time.Millisecond)
	r.Push(make([]byte, 1000))
	r.Push(make([]byte, 1000))
	if r.Overflows() == 0 {
		t.Fatal("expected overflow before reset")
	}
	r.Reset()
	if r.Overflows() != 0 {
		t.Errorf("expected overflow counter cleared, got %d", r.Overflows())
	}
	if r.Len() != 0 {
		t.Errorf("expected empty ring after reset, got %d", r.Len())
	}
}
