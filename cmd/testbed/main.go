package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/testbed/internal/bridge"
	"github.com/lsm/testbed/internal/config"
	"github.com/lsm/testbed/internal/executor"
	"github.com/lsm/testbed/internal/observability"
	"github.com/lsm/testbed/internal/session"
	"github.com/lsm/testbed/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	level := observability.GetLogLevel("")
	logger := observability.NewLogger("testbed", level)
	slog.SetDefault(logger)

	root := rootDir(os.Args[1:], runtime.GOOS)
	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Debug("loaded config", "root", root, "log_level", level.String())

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("testbed"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	manager := session.NewManager(cfg, logger)
	manager.SetMetrics(metrics)
	manager.SetTracer(tracer)

	exec := executor.New(manager, logger)
	exec.SetMetrics(metrics)
	exec.SetTracer(tracer)

	var httpServer *http.Server
	if addr := os.Getenv("TESTBED_METRICS_ADDR"); addr != "" {
		health := observability.NewHealthServer()
		health.SetReadyFunc(manager.Active)

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("GET /healthz", health.Handler())
		mux.Handle("GET /readyz", health.Handler())

		httpServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			logger.Info("metrics server starting", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	loop := bridge.New(os.Stdin, os.Stdout, manager, exec, logger)
	loop.SetMetrics(metrics)
	runErr := loop.Run(ctx)

	if err := manager.Stop(); err != nil {
		logger.Error("session stop error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Debug("shutdown complete")
	return runErr
}

// rootDir returns the root directory given on the command line, or the
// platform default.
func rootDir(args []string, goos string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	switch goos {
	case "windows":
		return `C:\Program Files (x86)\testbed`
	case "darwin":
		return "/usr/local/etc/testbed"
	default:
		return "/etc/testbed"
	}
}
