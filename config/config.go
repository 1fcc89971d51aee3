// Package config defines the watchdog's runtime configuration: the closed
// set of recognized environment keys, their defaults, and the parsed
// WatchdogMode each request dispatch path is built around.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yanghaku/wasm-watchdog/internal/errkind"
)

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errkind.Config)...)
}

// WatchdogMode selects which concrete Runner a watchdog process dispatches
// user requests to.
type WatchdogMode int

const (
	ModeUnknown WatchdogMode = iota
	ModeStreaming
	ModeAfterBurn
	ModeSerializing
	ModeHTTP
	ModeStatic
	ModeWasm
)

func (m WatchdogMode) String() string {
	switch m {
	case ModeStreaming:
		return "streaming"
	case ModeAfterBurn:
		return "afterburn"
	case ModeSerializing:
		return "serializing"
	case ModeHTTP:
		return "http"
	case ModeStatic:
		return "static"
	case ModeWasm:
		return "wasm"
	default:
		return "unknown"
	}
}

// ParseWatchdogMode parses the `mode` configuration key. An unrecognized
// string yields ModeUnknown, which callers must treat as a construction
// error rather than a usable default.
func ParseWatchdogMode(s string) WatchdogMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "streaming":
		return ModeStreaming
	case "afterburn":
		return ModeAfterBurn
	case "serializing":
		return ModeSerializing
	case "http":
		return ModeHTTP
	case "static":
		return ModeStatic
	case "wasm":
		return ModeWasm
	default:
		return ModeUnknown
	}
}

// WatchdogConfig is the watchdog's immutable runtime configuration. It is
// built once at startup (see FromEnviron) and shared by reference with every
// component that needs it.
type WatchdogConfig struct {
	Port         uint16
	MetricsPort  uint16
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ExecTimeout  time.Duration

	HealthcheckInterval time.Duration

	Mode            WatchdogMode
	FunctionProcess string
	UpstreamURL     string
	StaticPath      string
	ContentType     string

	BufferHTTPBody bool
	SuppressLock   bool
	MaxInflight    int32

	PrefixLogs    bool
	LogBufferSize int

	MinScale uint64
	MaxScale uint64

	WasmRoot         string
	WasmCTarget      string
	WasmCCPUFeatures string
}

// Default returns a WatchdogConfig populated with every documented default,
// as if no environment keys had been set at all.
func Default() *WatchdogConfig {
	return &WatchdogConfig{
		Port:              8080,
		MetricsPort:       8081,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ExecTimeout:       10 * time.Second,
		HealthcheckInterval: 10 * time.Second,
		Mode:              ModeWasm,
		StaticPath:        "/home/app/public",
		ContentType:       "application/octet-stream",
		PrefixLogs:        true,
		LogBufferSize:     65536,
		MinScale:          1,
		MaxScale:          4096,
		WasmRoot:          "/",
	}
}

// FromEnviron builds a WatchdogConfig from a process-wide key/value map,
// normally os.Environ() split on "=". Non-UTF-8 entries are skipped; Go's
// os.Environ already hands back valid strings, so this is a defensive no-op
// rather than a real decode step.
func FromEnviron(environ []string) (*WatchdogConfig, error) {
	kv := make(map[string]string, len(environ))
	for _, e := range environ {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		kv[strings.ToLower(k)] = v
	}
	return FromMap(kv)
}

// FromMap builds a WatchdogConfig from a lower-cased key/value map. It is
// split out from FromEnviron so tests can exercise parsing without touching
// the real process environment.
func FromMap(kv map[string]string) (*WatchdogConfig, error) {
	c := Default()

	if v, ok := firstOf(kv, "port"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, configErrorf("invalid port %q: %w", v, err)
		}
		c.Port = uint16(n)
	}
	if v, ok := firstOf(kv, "metrics_port"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, configErrorf("invalid metrics_port %q: %w", v, err)
		}
		c.MetricsPort = uint16(n)
	}
	if d, err := durationOf(kv, "read_timeout", c.ReadTimeout); err != nil {
		return nil, err
	} else {
		c.ReadTimeout = d
	}
	if d, err := durationOf(kv, "write_timeout", c.WriteTimeout); err != nil {
		return nil, err
	} else {
		c.WriteTimeout = d
	}
	if c.WriteTimeout <= 0 {
		return nil, configErrorf("write_timeout must be > 0")
	}
	if d, err := durationOf(kv, "exec_timeout", c.ExecTimeout); err != nil {
		return nil, err
	} else {
		c.ExecTimeout = d
	}
	c.HealthcheckInterval = c.WriteTimeout
	if d, err := durationOf(kv, "healthcheck_interval", c.HealthcheckInterval); err != nil {
		return nil, err
	} else {
		c.HealthcheckInterval = d
	}

	if v, ok := firstOf(kv, "mode"); ok {
		m := ParseWatchdogMode(v)
		if m == ModeUnknown {
			return nil, configErrorf("unrecognized mode %q", v)
		}
		c.Mode = m
	}

	if v, ok := firstOf(kv, "function_process", "fprocess"); ok {
		c.FunctionProcess = v
	}
	if c.FunctionProcess == "" && c.Mode != ModeStatic {
		return nil, configErrorf("function_process is required for mode %q", c.Mode)
	}

	if v, ok := firstOf(kv, "upstream_url", "http_upstream_url"); ok {
		c.UpstreamURL = v
	}
	if c.Mode == ModeHTTP && c.UpstreamURL == "" {
		return nil, configErrorf("upstream_url is required for mode http")
	}

	if v, ok := firstOf(kv, "static_path"); ok {
		c.StaticPath = v
	}

	if v, ok := firstOf(kv, "content_type"); ok {
		c.ContentType = v
	}

	if v, ok := boolOf(kv, "buffer_http", "http_buffer_req_body"); ok {
		c.BufferHTTPBody = v
	}
	if v, ok := boolOf(kv, "suppress_lock"); ok {
		c.SuppressLock = v
	}
	if v, ok := firstOf(kv, "max_inflight"); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, configErrorf("invalid max_inflight %q: %w", v, err)
		}
		c.MaxInflight = int32(n)
	}
	if v, ok := boolOf(kv, "prefix_logs"); ok {
		c.PrefixLogs = v
	}
	if v, ok := firstOf(kv, "log_buffer_size"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, configErrorf("invalid log_buffer_size %q: %w", v, err)
		}
		if n < 0 {
			n = 0
		}
		c.LogBufferSize = n
	}
	if v, ok := firstOf(kv, "min_scale"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, configErrorf("invalid min_scale %q: %w", v, err)
		}
		c.MinScale = n
	}
	if v, ok := firstOf(kv, "max_scale"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, configErrorf("invalid max_scale %q: %w", v, err)
		}
		c.MaxScale = n
	}
	if c.MinScale == 0 {
		c.MinScale = 1
	}
	if c.MaxScale < c.MinScale {
		return nil, configErrorf("max_scale (%d) must be >= min_scale (%d)", c.MaxScale, c.MinScale)
	}

	if v, ok := firstOf(kv, "wasm_root"); ok {
		c.WasmRoot = v
	}
	if v, ok := firstOf(kv, "wasm_c_target"); ok {
		c.WasmCTarget = v
	}
	if v, ok := firstOf(kv, "wasm_c_cpu_features"); ok {
		c.WasmCCPUFeatures = v
	}

	return c, nil
}

func firstOf(kv map[string]string, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := kv[k]; ok {
			return v, true
		}
	}
	return "", false
}

func durationOf(kv map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := firstOf(kv, key)
	if !ok {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, configErrorf("invalid %s %q: %w", key, v, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func boolOf(kv map[string]string, keys ...string) (bool, bool) {
	v, ok := firstOf(kv, keys...)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "t":
		return true, true
	default:
		return false, true
	}
}

// FunctionArgv splits FunctionProcess on spaces into argv, matching §4.4
// step 3: the first token is the module/command path, the rest are
// arguments.
func (c *WatchdogConfig) FunctionArgv() ([]string, error) {
	fields := strings.Fields(c.FunctionProcess)
	if len(fields) == 0 || fields[0] == "" {
		return nil, configErrorf("function_process has no command")
	}
	return fields, nil
}

// LockFilePath returns the path of the liveness lock file under the given
// temp directory.
func LockFilePath(tempDir string) string {
	return tempDir + string(os.PathSeparator) + ".lock"
}
