package watchdog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/yanghaku/wasm-watchdog/internal/errkind"
)

// Health tracks process liveness for external probes: an in-memory flag
// plus, unless suppressed, a zero-length lock file on disk. A caller is
// "healthy" if either signal is present (§4.8, §8 invariant 5).
type Health struct {
	accepting atomic.Bool
	lockPath  string
}

// NewHealth builds a Health whose lock file lives at <tempDir>/.lock.
func NewHealth(tempDir string) *Health {
	return &Health{lockPath: filepath.Join(tempDir, ".lock")}
}

// LockPath returns the path of the liveness lock file.
func (h *Health) LockPath() string {
	return h.lockPath
}

// MarkHealthy sets the in-memory flag and, unless suppressLock, creates the
// zero-length lock file (mode 0660 on POSIX). Failure to create the lock
// file is fatal: the caller should treat it as a startup error, since
// liveness probes depend on it (§7).
func (h *Health) MarkHealthy(suppressLock bool) error {
	h.accepting.Store(true)
	if suppressLock {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(h.lockPath), 0o755); err != nil {
		return fmt.Errorf("watchdog: creating lock file directory: %w (set suppress_lock to skip): %w", err, errkind.Resource)
	}

	f, err := os.OpenFile(h.lockPath, os.O_RDONLY|os.O_CREATE, 0o660)
	if err != nil {
		return fmt.Errorf("watchdog: creating lock file %q: %w (set suppress_lock to skip): %w", h.lockPath, err, errkind.Resource)
	}
	return f.Close()
}

// CheckHealthy reports whether the process should be considered healthy:
// the in-memory flag is set, or the lock file is present (covers the case
// where a previous process left the flag cleared but the file behind).
func (h *Health) CheckHealthy() bool {
	if h.accepting.Load() {
		return true
	}
	return h.LockFilePresent()
}

// MarkUnhealthy clears the flag and removes the lock file. A second call
// (file already gone) returns an error, matching §8 invariant 5.
func (h *Health) MarkUnhealthy() error {
	h.accepting.Store(false)
	if err := os.Remove(h.lockPath); err != nil {
		return fmt.Errorf("watchdog: removing lock file %q: %w: %w", h.lockPath, err, errkind.Resource)
	}
	return nil
}

// LockFilePresent is used by `--run-healthcheck` to gate exit code 0/1.
func (h *Health) LockFilePresent() bool {
	_, err := os.Stat(h.lockPath)
	return err == nil
}
