// Command watchdog is the function-invocation watchdog: it reads its
// configuration from the environment and dispatches HTTP requests to the
// mode-specific runner it selects at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/yanghaku/wasm-watchdog/config"
	"github.com/yanghaku/wasm-watchdog/internal/log"
	"github.com/yanghaku/wasm-watchdog/wasmrun"
	"github.com/yanghaku/wasm-watchdog/watchdog"
)

// version and commit are set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		runHealth   = flag.Bool("run-healthcheck", false, "exit 0 if the lock file is present, else 1")
		compileIn   = flag.String("compile", "", "ahead-of-time compile the .wasm module at this path, then exit")
		compileOut  = flag.String("o", "", "output path for --compile")
	)
	flag.BoolVar(showVersion, "v", false, "print version and exit (shorthand)")
	flag.StringVar(compileIn, "c", "", "ahead-of-time compile the .wasm module at this path (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("watchdog %s (%s)\n", version, commit)
		return 0
	}

	if *runHealth {
		return runHealthcheck()
	}

	if *compileIn != "" {
		return runCompile(*compileIn, *compileOut)
	}

	cfg, err := config.FromEnviron(os.Environ())
	if err != nil {
		log.Errorf("watchdog: %v", err)
		return 1
	}

	if err := serve(cfg); err != nil {
		log.Errorf("watchdog: %v", err)
		return 1
	}
	return 0
}

func runHealthcheck() int {
	h := watchdog.NewHealth(os.TempDir())
	if h.LockFilePresent() {
		return 0
	}
	return 1
}

func runCompile(in, out string) int {
	if out == "" {
		fmt.Fprintln(os.Stderr, "watchdog: --compile requires -o <out>")
		return 1
	}
	ctx := context.Background()
	c, err := wasmrun.NewCompiler(ctx, wasmrun.DefaultCacheDir(), "", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "watchdog: %v\n", err)
		return 1
	}
	defer c.Close(ctx)

	if err := c.CompileToFile(ctx, in, out); err != nil {
		fmt.Fprintf(os.Stderr, "watchdog: %v\n", err)
		return 1
	}
	return 0
}

func serve(cfg *config.WatchdogConfig) error {
	ctx := context.Background()

	runner, closer, err := buildRunner(ctx, cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	health := watchdog.NewHealth(os.TempDir())
	metrics := watchdog.NewMetrics()

	server := watchdog.NewServer(
		fmt.Sprintf(":%d", cfg.Port),
		runner, health, metrics,
		cfg.ReadTimeout, cfg.WriteTimeout, cfg.ExecTimeout,
		cfg.MaxInflight,
	)
	metricsServer := watchdog.NewMetricsServer(fmt.Sprintf(":%d", cfg.MetricsPort))

	return watchdog.Run(ctx, server, metricsServer, health, cfg.SuppressLock)
}

// buildRunner dispatches on cfg.Mode to construct the concrete Runner, and
// returns an optional cleanup func for modes holding a live resource (the
// WASM runtime, a warm subprocess).
func buildRunner(ctx context.Context, cfg *config.WatchdogConfig) (watchdog.Runner, func(), error) {
	switch cfg.Mode {
	case config.ModeWasm:
		r, err := wasmrun.NewWasmRunner(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close(ctx) }, nil

	case config.ModeStreaming:
		argv, err := cfg.FunctionArgv()
		if err != nil {
			return nil, nil, err
		}
		r, err := watchdog.NewStreamingRunner(argv, cfg.ContentType, true)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil

	case config.ModeSerializing:
		argv, err := cfg.FunctionArgv()
		if err != nil {
			return nil, nil, err
		}
		r, err := watchdog.NewSerializingRunner(argv, cfg.ContentType, true)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil

	case config.ModeAfterBurn:
		argv, err := cfg.FunctionArgv()
		if err != nil {
			return nil, nil, err
		}
		r, err := watchdog.NewAfterBurnRunner(ctx, argv, cfg.ContentType)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil

	case config.ModeHTTP:
		r, err := watchdog.NewHTTPRunner(cfg.UpstreamURL)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil

	case config.ModeStatic:
		return watchdog.NewStaticRunner(cfg.StaticPath), nil, nil

	default:
		return nil, nil, fmt.Errorf("watchdog: unrecognized mode %q", cfg.Mode)
	}
}
