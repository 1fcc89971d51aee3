// Package watchdog implements the HTTP dispatch layer that fronts all
// execution modes: routing, the uniform Runner contract, metrics, health and
// lifecycle.
package watchdog

import (
	"context"
	"net/http"
)

// Runner is the uniform capability every execution mode implements. Run may
// block; on failure it is expected to have written nothing irrecoverable to
// w (the server wraps it in its own 500 handling), and the returned error is
// logged and surfaced to the caller.
type Runner interface {
	Run(ctx context.Context, r *http.Request, w http.ResponseWriter) error
	GetScale() (replicas, available, invocations uint64)
	SetScale(replicas uint64) error
}

// NoScale embeds into Runner implementations that don't support scaling
// (HTTP upstream, static file serving), giving them GetScale/SetScale
// defaults of (0, 0, 0) and a no-op success, per §4.5.
type NoScale struct{}

func (NoScale) GetScale() (replicas, available, invocations uint64) { return 0, 0, 0 }
func (NoScale) SetScale(uint64) error                               { return nil }
