package watchdog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yanghaku/wasm-watchdog/internal/log"
)

// AfterBurnRunner keeps a single subprocess warm for the lifetime of the
// watchdog (mode=afterburn), avoiding a fork per request at the cost of
// serializing all invocations through it one at a time. Requests and
// responses are framed on the shared stdin/stdout pipe as a decimal byte
// count followed by a newline and that many body bytes — the simplest
// framing that lets one long-lived pipe carry a sequence of discrete
// messages (an Open Question SPEC_FULL.md leaves to this component).
type AfterBurnRunner struct {
	NoScale
	argv        []string
	contentType string

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      *bufio.Reader
	invokeCount atomic.Uint64
}

// NewAfterBurnRunner spawns argv once and keeps it running for the life of
// the runner.
func NewAfterBurnRunner(ctx context.Context, argv []string, contentType string) (*AfterBurnRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("watchdog: function_process has no command")
	}
	r := &AfterBurnRunner{argv: argv, contentType: contentType}
	if err := r.spawn(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *AfterBurnRunner) spawn(ctx context.Context) error {
	cmd := exec.Command(r.argv[0], r.argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("watchdog: afterburn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("watchdog: afterburn: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("watchdog: afterburn: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("watchdog: afterburn: starting %q: %w", r.argv[0], err)
	}

	go logLines(r.argv[0], stderr)

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = bufio.NewReader(stdout)
	log.Infof("watchdog: afterburn: %q warm, pid %d", r.argv[0], cmd.Process.Pid)
	return nil
}

// Run implements watchdog.Runner. Only one invocation runs at a time: the
// mutex is the serialization point the mode is named for.
func (r *AfterBurnRunner) Run(ctx context.Context, req *http.Request, w http.ResponseWriter) error {
	r.invokeCount.Add(1)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("watchdog: afterburn: reading request body: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := fmt.Fprintf(r.stdin, "%d\n", len(body)); err != nil {
		return fmt.Errorf("watchdog: afterburn: writing frame header: %w", err)
	}
	if _, err := r.stdin.Write(body); err != nil {
		return fmt.Errorf("watchdog: afterburn: writing frame body: %w", err)
	}

	line, err := r.stdout.ReadString('\n')
	if err != nil {
		return fmt.Errorf("watchdog: afterburn: reading response frame header: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return fmt.Errorf("watchdog: afterburn: invalid response frame header %q: %w", line, err)
	}

	out := make([]byte, n)
	if _, err := io.ReadFull(r.stdout, out); err != nil {
		return fmt.Errorf("watchdog: afterburn: reading response frame body: %w", err)
	}

	w.Header().Set("Content-Type", r.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(n))
	_, err = w.Write(out)
	return err
}

// GetScale reports the lifetime invocation count; "replicas" is always 1
// since exactly one subprocess is kept warm.
func (r *AfterBurnRunner) GetScale() (replicas, available, invocations uint64) {
	return 1, 0, r.invokeCount.Load()
}

// Close closes the warm subprocess's stdin and waits for it to exit.
func (r *AfterBurnRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stdin != nil {
		_ = r.stdin.Close()
	}
	if r.cmd == nil {
		return nil
	}
	return r.cmd.Wait()
}
