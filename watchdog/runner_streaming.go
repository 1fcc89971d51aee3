package watchdog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/yanghaku/wasm-watchdog/internal/log"
)

// StreamingRunner execs a fresh subprocess per invocation, piping the
// request body to its stdin and its stdout back as the response body
// (mode=streaming). It never scales itself (NoScale): each invocation is
// its own process, so there is no pool size to report.
type StreamingRunner struct {
	NoScale
	argv        []string
	contentType string
	cgiHeaders  bool
	invokeCount atomic.Uint64
}

// NewStreamingRunner builds a StreamingRunner that execs argv for every
// request.
func NewStreamingRunner(argv []string, contentType string, cgiHeaders bool) (*StreamingRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("watchdog: function_process has no command")
	}
	return &StreamingRunner{argv: argv, contentType: contentType, cgiHeaders: cgiHeaders}, nil
}

// Run implements watchdog.Runner by spawning argv, streaming the request
// body to its stdin, and copying its stdout to w as it is produced.
func (s *StreamingRunner) Run(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	s.invokeCount.Add(1)

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	if s.cgiHeaders {
		cmd.Env = append(cmd.Env, cgiEnv(r)...)
	}
	cmd.Stdin = r.Body

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("watchdog: streaming: stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("watchdog: streaming: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("watchdog: streaming: starting %q: %w", s.argv[0], err)
	}

	go logLines(s.argv[0], stderr)

	w.Header().Set("Content-Type", s.contentType)
	if _, err := io.Copy(w, stdout); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("watchdog: streaming: copying stdout: %w", err)
	}

	return cmd.Wait()
}

// GetScale reports only the lifetime invocation count; there is no replica
// pool to speak of since each request gets its own process.
func (s *StreamingRunner) GetScale() (replicas, available, invocations uint64) {
	return 0, 0, s.invokeCount.Load()
}

func logLines(tag string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Infof("watchdog: function %s: %s", tag, scanner.Text())
	}
}

// cgiEnv converts the request's headers and metadata into CGI-style
// environment variables (the same Http_Header_Name convention as §4.4's
// WASM runner).
func cgiEnv(r *http.Request) []string {
	env := make([]string, 0, len(r.Header)+3)
	for k, vs := range r.Header {
		env = append(env, "Http_"+strings.ReplaceAll(k, "-", "_")+"="+strings.Join(vs, ","))
	}
	env = append(env,
		"Http_Path="+r.URL.Path,
		"Http_Method="+r.Method,
		"Http_Query="+r.URL.RawQuery,
	)
	return env
}
