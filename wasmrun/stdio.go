package wasmrun

import (
	"bytes"
	"io"
	"sync"

	"github.com/yanghaku/wasm-watchdog/internal/log"
)

// chunk is one unit sent on the stdin channel: either a slice of request
// body bytes or a terminal error. The channel being closed with no trailing
// error chunk signals a clean EOF.
type chunk struct {
	data []byte
	err  error
}

// requestStdin adapts an HTTP request body, drained on a separate goroutine
// into a channel of chunks, to the blocking io.Reader wazero's
// wazero.ModuleConfig.WithStdin expects from the guest's perspective.
type requestStdin struct {
	chunks   <-chan chunk
	residual []byte
	err      error
}

func newRequestStdin(chunks <-chan chunk) *requestStdin {
	return &requestStdin{chunks: chunks}
}

// Read implements io.Reader. It drains any residual bytes first, then
// blocks receiving the next chunk until buf is full or the channel closes.
func (s *requestStdin) Read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		if len(s.residual) == 0 {
			if s.err != nil {
				break
			}
			c, ok := <-s.chunks
			if !ok {
				s.err = io.EOF
				break
			}
			if c.err != nil {
				s.err = c.err
				break
			}
			s.residual = c.data
		}
		m := copy(buf[n:], s.residual)
		s.residual = s.residual[m:]
		n += m
	}
	if n == 0 && s.err != nil {
		return 0, s.err
	}
	return n, nil
}

// BytesAvailable reports the size of the residual buffer. Best-effort,
// never blocks; used only for diagnostics.
func (s *requestStdin) BytesAvailable() int {
	return len(s.residual)
}

// captureStdout is an append-only buffer bridging the guest's stdout to the
// HTTP response body. It satisfies io.Writer for wazero's
// wazero.ModuleConfig.WithStdout.
type captureStdout struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newCaptureStdout() *captureStdout {
	return &captureStdout{}
}

func (s *captureStdout) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// TakeBuffer returns the accumulated bytes and empties the adapter, without
// copying the backing array.
func (s *captureStdout) TakeBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buf.Bytes()
	s.buf = bytes.Buffer{}
	return b
}

// prefixStderr is an append-only buffer with a size threshold: once the
// buffered size reaches maxBuffer, it is flushed to the watchdog's log sink,
// optionally tagging each line with the invocation's tag.
type prefixStderr struct {
	mu        sync.Mutex
	tag       string
	prefix    bool
	maxBuffer int
	buf       bytes.Buffer
	closed    bool
}

func newPrefixStderr(tag string, prefix bool, maxBuffer int) *prefixStderr {
	if maxBuffer <= 0 {
		maxBuffer = 65536
	}
	return &prefixStderr{tag: tag, prefix: prefix, maxBuffer: maxBuffer}
}

func (s *prefixStderr) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, _ := s.buf.Write(p)
	if s.buf.Len() >= s.maxBuffer {
		s.flushLocked()
	}
	return n, nil
}

func (s *prefixStderr) flushLocked() {
	if s.buf.Len() == 0 {
		return
	}
	raw := s.buf.Bytes()
	if s.prefix {
		for _, line := range bytes.Split(raw, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			log.Infof("[watchdog function] %s: %s", s.tag, line)
		}
	} else {
		log.Infof("%s", raw)
	}
	s.buf.Reset()
}

// Close flushes any residual content. Errors are suppressed, matching the
// spec's "on drop, flush with errors suppressed" contract — Go has no
// destructor, so callers invoke Close explicitly when the invocation ends.
func (s *prefixStderr) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.flushLocked()
	return nil
}
