package wshub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// echoServer accepts a WebSocket connection and echoes back whatever it
// receives, standing in for a browser-stream or voice sidecar.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) (string, int) {
	u, _ := url.Parse(httpURL)
	port, _ := strconv.Atoi(u.Port())
	return "ws://" + u.Host, port
}

func TestVoiceStreamProxyRelaysFrames(t *testing.T) {
	upstream := echoServer(t)
	_, port := wsURL(upstream.URL)
	upstreamURL := "ws://127.0.0.1:" + strconv.Itoa(port)

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		VoiceStreamProxy(w, r, upstreamURL)
	}))
	t.Cleanup(proxy.Close)

	proxyWS := "ws" + strings.TrimPrefix(proxy.URL, "http")
	client, _, err := websocket.Dial(context.Background(), proxyWS, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = client.Close(websocket.StatusNormalClosure, "done") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("Read() = %q, want %q", data, "hello")
	}
}

func TestDialUpstreamWithBackoffGivesUpEventually(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := dialUpstreamWithBackoff(ctx, "ws://127.0.0.1:1")
	if err == nil {
		t.Fatalf("expected dial to an unreachable port to fail")
	}
}
