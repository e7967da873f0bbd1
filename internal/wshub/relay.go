package wshub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// relayBackoffUnit and relayBackoffCeiling implement the browser-stream
// proxy's linear back-off: 100ms * min(attempt, 20), capped at 10s total
// wait before giving up on the upstream sidecar.
const (
	relayBackoffUnit    = 100 * time.Millisecond
	relayBackoffMaxMult = 20
	relayBackoffCeiling = 10 * time.Second
)

// dialUpstreamWithBackoff connects to an upstream WebSocket endpoint,
// retrying on failure with linear back-off until it succeeds or the
// cumulative wait exceeds relayBackoffCeiling.
func dialUpstreamWithBackoff(ctx context.Context, url string) (*websocket.Conn, error) {
	var waited time.Duration
	attempt := 1
	for {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err == nil {
			return conn, nil
		}

		mult := attempt
		if mult > relayBackoffMaxMult {
			mult = relayBackoffMaxMult
		}
		delay := time.Duration(mult) * relayBackoffUnit
		if waited+delay > relayBackoffCeiling {
			return nil, fmt.Errorf("dialing upstream %s: %w", url, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		waited += delay
		attempt++
	}
}

// relay copies WebSocket frames bidirectionally between client and
// upstream until either side closes.
func relay(ctx context.Context, client, upstream *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	copyDir := func(dst, src *websocket.Conn) {
		defer wg.Done()
		defer cancel()
		for {
			typ, data, err := src.Read(ctx)
			if err != nil {
				return
			}
			if err := dst.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}

	go copyDir(upstream, client)
	go copyDir(client, upstream)
	wg.Wait()
}

// BrowserStreamProxy upgrades the incoming request to a WebSocket and
// relays it to the browser sidecar's screencast stream at
// ws://127.0.0.1:<streamPort>, retrying the upstream dial with linear
// back-off since the sidecar process may still be starting up.
func BrowserStreamProxy(w http.ResponseWriter, r *http.Request, streamPort int) {
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("failed to accept browser-stream client connection", "error", err)
		return
	}
	defer func() { _ = client.Close(websocket.StatusNormalClosure, "done") }()

	ctx := r.Context()
	upstreamURL := fmt.Sprintf("ws://127.0.0.1:%d", streamPort)

	upstream, err := dialUpstreamWithBackoff(ctx, upstreamURL)
	if err != nil {
		slog.Error("failed to reach browser stream sidecar", "error", err, "url", upstreamURL)
		_ = client.Close(websocket.StatusInternalError, "upstream unreachable")
		return
	}
	defer func() { _ = upstream.Close(websocket.StatusNormalClosure, "done") }()

	relay(ctx, client, upstream)
}

// VoiceStreamProxy upgrades the incoming request to a WebSocket and
// relays it to a voice endpoint. Unlike BrowserStreamProxy it dials the
// upstream exactly once: a voice endpoint is expected to be immediately
// reachable, and a connection failure here reflects a real outage rather
// than a sidecar still starting up.
func VoiceStreamProxy(w http.ResponseWriter, r *http.Request, upstreamURL string) {
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("failed to accept voice-stream client connection", "error", err)
		return
	}
	defer func() { _ = client.Close(websocket.StatusNormalClosure, "done") }()

	ctx := r.Context()
	upstream, _, err := websocket.Dial(ctx, upstreamURL, nil)
	if err != nil {
		slog.Error("failed to reach voice endpoint", "error", err, "url", upstreamURL)
		_ = client.Close(websocket.StatusInternalError, "upstream unreachable")
		return
	}
	defer func() { _ = upstream.Close(websocket.StatusNormalClosure, "done") }()

	relay(ctx, client, upstream)
}
