package wasmrun

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolExecuteAndJoin(t *testing.T) {
	p := New("test", 4)

	var completed atomic.Int64
	for i := 0; i < 50; i++ {
		p.Execute(func() {
			completed.Add(1)
		})
	}

	p.Join()

	if got := completed.Load(); got != 50 {
		t.Fatalf("completed = %d, want 50", got)
	}
	if p.ActiveThreadNum() != 0 {
		t.Fatalf("ActiveThreadNum() = %d, want 0", p.ActiveThreadNum())
	}
	if p.QueuedJobNum() != 0 {
		t.Fatalf("QueuedJobNum() = %d, want 0", p.QueuedJobNum())
	}
	if p.ThreadNum() != 4 {
		t.Fatalf("ThreadNum() = %d, want 4", p.ThreadNum())
	}
}

func TestPoolResize(t *testing.T) {
	p := New("test", 2)
	p.SetThreadNum(6)

	deadline := time.Now().Add(2 * time.Second)
	for p.ThreadNum() != 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.ThreadNum(); got != 6 {
		t.Fatalf("ThreadNum() after grow = %d, want 6", got)
	}

	p.SetThreadNum(1)
	// Nudge every worker so the shrink check re-evaluates even with an
	// otherwise-empty queue.
	for i := 0; i < 10; i++ {
		p.Execute(func() {})
	}
	p.Join()

	deadline = time.Now().Add(2 * time.Second)
	for p.ThreadNum() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.ThreadNum(); got != 1 {
		t.Fatalf("ThreadNum() after shrink = %d, want 1", got)
	}
}

func TestPoolPanicReplacesWorker(t *testing.T) {
	p := New("test", 2)

	p.Execute(func() {
		panic("boom")
	})

	deadline := time.Now().Add(2 * time.Second)
	for p.PanickedThreadNum() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	p.Join()

	if p.PanickedThreadNum() == 0 {
		t.Fatalf("PanickedThreadNum() = 0, want >= 1")
	}
	if p.ActiveThreadNum() != 0 {
		t.Fatalf("ActiveThreadNum() = %d, want 0", p.ActiveThreadNum())
	}
	if p.QueuedJobNum() != 0 {
		t.Fatalf("QueuedJobNum() = %d, want 0", p.QueuedJobNum())
	}

	deadline = time.Now().Add(2 * time.Second)
	for p.ThreadNum() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.ThreadNum(); got != 2 {
		t.Fatalf("ThreadNum() after panic replace = %d, want 2", got)
	}
}
