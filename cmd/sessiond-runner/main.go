// Command sessiond-runner is the per-host Runner daemon (C2): it owns child
// process lifecycles and exposes them over a Unix socket to the control
// plane, so the control plane never has to hold its own process table
// across restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/byteowlz/sessiond/internal/runner"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	var (
		socketFlag   = flag.String("socket", "", "unix socket path to listen on (overrides SESSIOND_RUNNER_SOCKET)")
		shutdownWait = flag.Duration("shutdown-timeout", 5*time.Second, "time allowed for in-flight processes to be killed on shutdown")
	)
	flag.Parse()

	socketPath, err := resolveSocketPath(*socketFlag)
	if err != nil {
		logger.Error("sessiond-runner: resolving socket path", "error", err)
		os.Exit(1)
	}

	d := runner.NewDaemon(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Serve(ctx, socketPath)
	}()

	logger.Info("sessiond-runner: started", "socket", socketPath, "pid", os.Getpid())

	select {
	case <-ctx.Done():
		logger.Info("sessiond-runner: shutting down", "timeout", *shutdownWait)
	case err := <-errCh:
		if err != nil {
			logger.Error("sessiond-runner: serve error", "error", err)
			os.Exit(1)
		}
	}

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("sessiond-runner: shutdown error", "error", err)
		}
	case <-time.After(*shutdownWait):
		logger.Warn("sessiond-runner: shutdown timed out")
	}
}

func resolveSocketPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("SESSIOND_RUNNER_SOCKET"); env != "" {
		return env, nil
	}

	pattern := os.Getenv("SESSIOND_RUNNER_SOCKET_PATTERN")
	if pattern == "" {
		pattern = runner.DefaultSocketPattern
	}

	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolving current user: %w", err)
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%s", u.Uid)
	}

	return runner.ResolveSocketPath(pattern, u.Username, runtimeDir), nil
}
