package watchdog

import (
	"context"
	"net/http"
)

// StaticRunner serves files rooted at a fixed directory (mode=static). It
// never scales (NoScale) since there is no backing process at all.
type StaticRunner struct {
	NoScale
	handler http.Handler
}

// NewStaticRunner builds a StaticRunner rooted at dir.
func NewStaticRunner(dir string) *StaticRunner {
	return &StaticRunner{handler: http.FileServer(http.Dir(dir))}
}

// Run implements watchdog.Runner by delegating straight to http.FileServer.
func (s *StaticRunner) Run(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	s.handler.ServeHTTP(w, r.WithContext(ctx))
	return nil
}
