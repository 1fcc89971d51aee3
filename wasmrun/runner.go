// Package wasmrun implements the watchdog's WebAssembly execution path: a
// compiled module, a worker pool (Pool), a per-invocation stdio bridge, and
// the Runner that wires an HTTP request through all three.
package wasmrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/yanghaku/wasm-watchdog/config"
	"github.com/yanghaku/wasm-watchdog/internal/errkind"
	"github.com/yanghaku/wasm-watchdog/internal/log"
)

// Runner dispatches HTTP requests to a persistent compiled WASM module,
// running each invocation on a pooled worker goroutine. It satisfies the
// watchdog.Runner capability.
type Runner struct {
	argv        []string
	wasmRoot    string
	contentType string

	injectCGIHeaders bool
	prefixLogs       bool
	logBufferSize    int

	compiler *Compiler
	module   wazero.CompiledModule

	pool *Pool

	minScale uint64
	maxScale uint64

	invokeCount atomic.Uint64
}

// NewWasmRunner builds a Runner from cfg: it splits FunctionProcess into argv,
// compiles the module (reusing the compilation cache), instantiates WASI
// preview1 against the runner's shared runtime, and starts a pool sized to
// MinScale.
func NewWasmRunner(ctx context.Context, cfg *config.WatchdogConfig) (*Runner, error) {
	deployStart := time.Now()

	argv, err := cfg.FunctionArgv()
	if err != nil {
		return nil, err
	}

	wasmRoot := cfg.WasmRoot
	if wasmRoot == "" {
		log.Warnf("wasmrun: wasm_root is empty, using %q", "/")
		wasmRoot = "/"
	}
	minScale, maxScale := cfg.MinScale, cfg.MaxScale
	if minScale == 0 {
		log.Warnf("wasmrun: min_scale 0 is invalid, using 1")
		minScale = 1
	}
	if maxScale < minScale {
		log.Warnf("wasmrun: max_scale %d is below min_scale %d, using %d", maxScale, minScale, minScale)
		maxScale = minScale
	}

	compiler, err := NewCompiler(ctx, "", cfg.WasmCTarget, cfg.WasmCCPUFeatures)
	if err != nil {
		return nil, fmt.Errorf("wasmrun: %w", err)
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, compiler.Runtime()); err != nil {
		compiler.Close(ctx)
		return nil, fmt.Errorf("wasmrun: instantiating WASI preview1: %w", err)
	}

	mod, err := compiler.TryLoadCompiled(ctx, argv[0])
	if err != nil {
		compiler.Close(ctx)
		return nil, err
	}

	r := &Runner{
		argv:             argv,
		wasmRoot:         wasmRoot,
		contentType:      cfg.ContentType,
		injectCGIHeaders: true,
		prefixLogs:       cfg.PrefixLogs,
		logBufferSize:    cfg.LogBufferSize,
		compiler:         compiler,
		module:           mod,
		pool:             New("wasmrun", minScale),
		minScale:         minScale,
		maxScale:         maxScale,
	}

	log.Infof("wasmrun: deployed %q with %d replica(s) in %s", argv[0], minScale, time.Since(deployStart))
	return r, nil
}

// Run implements watchdog.Runner. It submits the invocation to the pool and
// waits for either a result or ctx's deadline (the configured exec_timeout,
// installed by the caller).
func (r *Runner) Run(ctx context.Context, req *http.Request, w http.ResponseWriter) error {
	r.invokeCount.Add(1)

	chunks := make(chan chunk, bodyChunkCapacity(req.ContentLength))
	go drainBody(req, chunks)

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)

	headers := cloneHeader(req.Header)
	method := req.Method
	path := req.URL.Path
	query := req.URL.RawQuery

	r.pool.Execute(func() {
		out, err := r.runInner(ctx, headers, method, path, query, newRequestStdin(chunks))
		done <- result{out: out, err: err}
	})

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		w.Header().Set("Content-Type", r.contentType)
		_, err := w.Write(res.out)
		return err
	case <-ctx.Done():
		return fmt.Errorf("wasmrun: %w", ctx.Err())
	}
}

// drainBody copies req.Body into chunks until EOF or read error, then closes
// the channel.
func drainBody(req *http.Request, chunks chan<- chunk) {
	defer close(chunks)
	if req.Body == nil {
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := req.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunks <- chunk{data: data}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				chunks <- chunk{err: fmt.Errorf("wasmrun: %w: %w", err, errkind.Transport)}
			}
			return
		}
	}
}

// bodyChunkCapacity implements §4.4.1's sizing rule from a Content-Length
// hint (-1 when unknown, treated as the "large body" branch so unbounded
// chunked uploads still stream).
func bodyChunkCapacity(contentLength int64) int {
	switch {
	case contentLength >= 0 && contentLength <= 1024:
		return 1
	case contentLength > 0 && contentLength <= 32768:
		return int(contentLength / 1024)
	default:
		return 64
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// runInner instantiates the compiled module with fresh stdio adapters,
// executes `_start`, and returns the captured stdout.
func (r *Runner) runInner(ctx context.Context, headers http.Header, method, path, query string, stdin *requestStdin) ([]byte, error) {
	stdout := newCaptureStdout()
	stderr := newPrefixStderr(fmt.Sprintf("%p-%s", stdin, r.argv[0]), r.prefixLogs, r.logBufferSize)
	defer stderr.Close()

	modConfig := wazero.NewModuleConfig().
		WithArgs(r.argv...).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(r.wasmRoot, "/")).
		WithStdin(stdin).
		WithStdout(stdout).
		WithStderr(stderr).
		WithEnv("PWD", "/")

	if r.injectCGIHeaders {
		for k, vs := range headers {
			for _, v := range vs {
				modConfig = modConfig.WithEnv(cgiEnvName(k), v)
			}
		}
		modConfig = modConfig.
			WithEnv("Http_Path", path).
			WithEnv("Http_Method", method).
			WithEnv("Http_Query", query)
	}

	instance, err := r.compiler.Runtime().InstantiateModule(ctx, r.module, modConfig)
	if err != nil {
		return nil, fmt.Errorf("wasmrun: instantiate: %w", err)
	}
	defer instance.Close(ctx)

	start := instance.ExportedFunction("_start")
	if start == nil {
		return nil, fmt.Errorf("wasmrun: module does not export _start")
	}

	if _, err := start.Call(ctx); err != nil {
		if !isCleanExit(err) {
			return nil, fmt.Errorf("wasmrun: guest trapped: %w: %w", err, errkind.Execute)
		}
	}

	return stdout.TakeBuffer(), nil
}

// isCleanExit reports whether err is wazero's sys.ExitError for exit code 0,
// which WASI programs raise from proc_exit(0) and which is not a failure.
func isCleanExit(err error) bool {
	type exitCoder interface {
		ExitCode() uint32
	}
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode() == 0
	}
	return false
}

// cgiEnvName implements §4.4 step 1's header transform: "Header-Name" ->
// "Http_Header_Name", keeping mixed case for wire compatibility (see
// SPEC_FULL.md §9).
func cgiEnvName(header string) string {
	return "Http_" + strings.ReplaceAll(header, "-", "_")
}

// GetScale returns (replicas, available_replicas, invoke_count).
func (r *Runner) GetScale() (replicas, available, invocations uint64) {
	replicas = r.pool.ThreadNum()
	if replicas > r.maxScale {
		available = 0
	} else {
		available = r.maxScale - replicas
	}
	return replicas, available, r.invokeCount.Load()
}

// SetScale resizes the pool, rejecting values outside [minScale, maxScale].
func (r *Runner) SetScale(n uint64) error {
	if n < r.minScale {
		return fmt.Errorf("Replicas can not less then %d", r.minScale)
	}
	if n > r.maxScale {
		return fmt.Errorf("Replicas can not greater then %d", r.maxScale)
	}
	r.pool.SetThreadNum(n)
	log.Infof("wasmrun: scaled to %d replica(s)", n)
	return nil
}

// Close releases the compiler/runtime.
func (r *Runner) Close(ctx context.Context) error {
	return r.compiler.Close(ctx)
}
