package watchdog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync/atomic"
)

// SerializingRunner execs a fresh subprocess per invocation like
// StreamingRunner, but fully buffers the request body before writing it to
// stdin and fully buffers stdout before writing the response (mode=serializing,
// §4's "single subprocess, serialized input"). This trades live streaming for
// a response that always carries an accurate Content-Length.
type SerializingRunner struct {
	NoScale
	argv        []string
	contentType string
	cgiHeaders  bool
	invokeCount atomic.Uint64
}

// NewSerializingRunner builds a SerializingRunner that execs argv for every
// request.
func NewSerializingRunner(argv []string, contentType string, cgiHeaders bool) (*SerializingRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("watchdog: function_process has no command")
	}
	return &SerializingRunner{argv: argv, contentType: contentType, cgiHeaders: cgiHeaders}, nil
}

// Run implements watchdog.Runner by buffering the request body, running
// argv to completion against it, and writing the buffered stdout back in a
// single response write.
func (s *SerializingRunner) Run(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	s.invokeCount.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("watchdog: serializing: reading request body: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	if s.cgiHeaders {
		cmd.Env = append(cmd.Env, cgiEnv(r)...)
	}
	cmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if stderr.Len() > 0 {
		logLines(s.argv[0], bytes.NewReader(stderr.Bytes()))
	}
	if runErr != nil {
		return fmt.Errorf("watchdog: serializing: running %q: %w", s.argv[0], runErr)
	}

	w.Header().Set("Content-Type", s.contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", stdout.Len()))
	_, err = w.Write(stdout.Bytes())
	return err
}

// GetScale reports only the lifetime invocation count; each request gets
// its own process, so there is no replica pool to speak of.
func (s *SerializingRunner) GetScale() (replicas, available, invocations uint64) {
	return 0, 0, s.invokeCount.Load()
}
