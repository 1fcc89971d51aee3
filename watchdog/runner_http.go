package watchdog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// HTTPRunner reverse-proxies every invocation to a fixed upstream URL
// (mode=http). It never scales (NoScale) since the upstream process is
// managed outside the watchdog.
type HTTPRunner struct {
	NoScale
	proxy *httputil.ReverseProxy
}

// NewHTTPRunner builds an HTTPRunner proxying to upstreamURL.
func NewHTTPRunner(upstreamURL string) (*HTTPRunner, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("watchdog: invalid upstream_url %q: %w", upstreamURL, err)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	return &HTTPRunner{proxy: proxy}, nil
}

// Run implements watchdog.Runner by forwarding the request verbatim and
// streaming the upstream's response back to w.
func (h *HTTPRunner) Run(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	h.proxy.ServeHTTP(w, r.WithContext(ctx))
	return nil
}
