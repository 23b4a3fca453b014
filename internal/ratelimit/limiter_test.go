package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestScanLimiterAllowsBurst(t *testing.T) {
	l := NewScanLimiter(1, 5)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("expected burst token %d to be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatal("expected burst to be exhausted")
	}
}

func TestScanLimiterWaitRespectsContext(t *testing.T) {
	l := NewScanLimiter(0.001, 1)
	l.Allow() // drain the single burst token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected Wait to time out")
	}
}

func TestSlidingWindowLimiter(t *testing.T) {
	l := NewSlidingWindowLimiter(500, 60*time.Second)
	for i := 0; i < 500; i++ {
		if !l.Allow() {
			t.Fatalf("expected window burst token %d to be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatal("expected the 500-event window burst to be exhausted")
	}
}
