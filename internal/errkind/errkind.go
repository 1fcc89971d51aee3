// Package errkind names the watchdog's error kinds: a flat set of sentinel
// values components wrap their errors against with fmt.Errorf's %w, rather
// than a type hierarchy. Callers use errors.Is(err, errkind.Dispatch) etc.
// to decide propagation (fatal at startup, 400/500 in the request path,
// contained panic, ...).
package errkind

import "errors"

var (
	// Config marks invalid or missing configuration keys.
	Config = errors.New("config")
	// Resource marks failure to create the lock file, spawn a listener, or
	// bind a port.
	Resource = errors.New("resource")
	// Compile marks a WASM module failing to parse or compile.
	Compile = errors.New("compile")
	// Dispatch marks a runner rejecting the request itself, e.g. a
	// malformed scale request.
	Dispatch = errors.New("dispatch")
	// Execute marks a guest trap, a missing stdout handle, or WASI state
	// creation failure during an invocation.
	Execute = errors.New("execute")
	// Transport marks a request-body receive error or response write
	// error.
	Transport = errors.New("transport")
	// Shutdown is informational, not a failure.
	Shutdown = errors.New("shutdown")
)
