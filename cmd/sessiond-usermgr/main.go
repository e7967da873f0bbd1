// Command sessiond-usermgr is the privileged user-management daemon (C1). It
// is meant to run as a more-privileged principal than the control plane
// (typically root, via a systemd unit) and only ever executes a closed set
// of validated system commands received over its Unix socket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/byteowlz/sessiond/internal/usermgr"
)

const defaultSocketPath = "/run/sessiond/usermgr.sock"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var socketFlag = flag.String("socket", "", "unix socket path to listen on (overrides SESSIOND_USERMGR_SOCKET)")
	flag.Parse()

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = os.Getenv("SESSIOND_USERMGR_SOCKET")
	}
	if socketPath == "" {
		socketPath = defaultSocketPath
	}

	d := usermgr.NewDaemon(usermgr.DefaultPolicy(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sessiond-usermgr: starting", "pid", os.Getpid())
	if err := d.Serve(ctx, socketPath); err != nil {
		logger.Error("sessiond-usermgr: serve error", "error", err)
		os.Exit(1)
	}
}
