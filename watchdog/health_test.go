package watchdog

import (
	"os"
	"testing"
)

func TestHealthUnhealthyBeforeMarkHealthy(t *testing.T) {
	h := NewHealth(t.TempDir())
	if h.CheckHealthy() {
		t.Fatalf("CheckHealthy() = true before MarkHealthy, want false")
	}
}

func TestHealthMarkHealthyCreatesLockFile(t *testing.T) {
	dir := t.TempDir()
	h := NewHealth(dir)

	if err := h.MarkHealthy(false); err != nil {
		t.Fatalf("MarkHealthy: %v", err)
	}
	if !h.CheckHealthy() {
		t.Fatalf("CheckHealthy() = false after MarkHealthy, want true")
	}

	info, err := os.Stat(h.LockPath())
	if err != nil {
		t.Fatalf("stat lock file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("lock file size = %d, want 0", info.Size())
	}
}

func TestHealthMarkHealthyIdempotent(t *testing.T) {
	h := NewHealth(t.TempDir())
	if err := h.MarkHealthy(false); err != nil {
		t.Fatalf("first MarkHealthy: %v", err)
	}
	if err := h.MarkHealthy(false); err != nil {
		t.Fatalf("second MarkHealthy: %v", err)
	}
	if !h.LockFilePresent() {
		t.Fatalf("lock file missing after repeated MarkHealthy")
	}
}

func TestHealthMarkUnhealthySecondCallErrors(t *testing.T) {
	h := NewHealth(t.TempDir())
	if err := h.MarkHealthy(false); err != nil {
		t.Fatalf("MarkHealthy: %v", err)
	}
	if err := h.MarkUnhealthy(); err != nil {
		t.Fatalf("first MarkUnhealthy: %v", err)
	}
	if h.CheckHealthy() {
		t.Fatalf("CheckHealthy() = true after MarkUnhealthy, want false")
	}
	if err := h.MarkUnhealthy(); err == nil {
		t.Fatalf("second MarkUnhealthy: want error, got nil")
	}
}

func TestHealthSuppressLockSkipsFile(t *testing.T) {
	h := NewHealth(t.TempDir())
	if err := h.MarkHealthy(true); err != nil {
		t.Fatalf("MarkHealthy(suppressLock=true): %v", err)
	}
	if !h.CheckHealthy() {
		t.Fatalf("CheckHealthy() = false, want true (in-memory flag)")
	}
	if h.LockFilePresent() {
		t.Fatalf("lock file present despite suppressLock")
	}
}
