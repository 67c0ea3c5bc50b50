package signaling

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

func startServer(t *testing.T, cfg Config) (*httptest.Server, *relay.Hub) {
	t.Helper()
	if cfg.Hub == nil {
		cfg.Hub = relay.NewHub(relay.Config{})
	}
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		cfg.Hub.Close()
	})
	return ts, cfg.Hub
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForPeers(t *testing.T, hub *relay.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d peers, want %d", hub.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		return
	}
}

func TestServer_RelaysFrameToEveryOtherPeer(t *testing.T) {
	ts, hub := startServer(t, Config{})
	url := wsURL(ts, DefaultPath)

	c1, c2, c3 := dial(t, url), dial(t, url), dial(t, url)
	waitForPeers(t, hub, 3)

	const frame = `{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	if err := c1.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i, c := range []*websocket.Conn{c2, c3} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		typ, got, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("peer %d read: %v", i+2, err)
		}
		if typ != websocket.TextMessage || string(got) != frame {
			t.Fatalf("peer %d got (%d, %q), want the frame unmodified", i+2, typ, got)
		}
	}

	_ = c1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, got, err := c1.ReadMessage(); err == nil {
		t.Fatalf("sender received its own frame: %q", got)
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected read timeout on sender, got %v", err)
	}
}

func TestServer_ForwardsUnparseableFrames(t *testing.T) {
	ts, hub := startServer(t, Config{})
	url := wsURL(ts, DefaultPath)

	c1, c2 := dial(t, url), dial(t, url)
	waitForPeers(t, hub, 2)

	if err := c1.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := c2.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "not json" {
		t.Fatalf("got %q", got)
	}
}

func TestServer_DisconnectRemovesPeer(t *testing.T) {
	ts, hub := startServer(t, Config{})
	url := wsURL(ts, DefaultPath)

	c1 := dial(t, url)
	dial(t, url)
	waitForPeers(t, hub, 2)

	_ = c1.Close()
	waitForPeers(t, hub, 1)
	if got := hub.Metrics().Get(metrics.ConnectionsClosed); got != 1 {
		t.Fatalf("connections closed=%d, want 1", got)
	}
}

func TestServer_UnknownPathIsNotFound(t *testing.T) {
	ts, hub := startServer(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/webrtc/signal"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
	if hub.Len() != 0 {
		t.Fatalf("hub has %d peers, want 0", hub.Len())
	}
}

func TestServer_CustomPath(t *testing.T) {
	ts, hub := startServer(t, Config{Path: "/signal"})
	dial(t, wsURL(ts, "/signal"))
	waitForPeers(t, hub, 1)
}

func TestServer_OversizedFrameClosesWith1009(t *testing.T) {
	ts, hub := startServer(t, Config{MaxMessageBytes: 16})
	c := dial(t, wsURL(ts, DefaultPath))
	waitForPeers(t, hub, 1)

	if err := c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseMessageTooBig)
	waitForPeers(t, hub, 0)
}

func TestServer_BinaryFrameClosesWith1003(t *testing.T) {
	ts, _ := startServer(t, Config{})
	c := dial(t, wsURL(ts, DefaultPath))

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseUnsupportedData)
}

func TestServer_RateLimitClosesWith1008(t *testing.T) {
	ts, hub := startServer(t, Config{MaxMessagesPerSecond: 2})
	c := dial(t, wsURL(ts, DefaultPath))
	waitForPeers(t, hub, 1)

	// The burst is two frames; the third trips the limiter.
	for i := 0; i < 3; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := hub.Metrics().Get(metrics.SignalingRateLimited); got != 1 {
		t.Fatalf("rate limited=%d, want 1", got)
	}
}

func TestServer_IdleTimeoutClosesWithoutPong(t *testing.T) {
	ts, _ := startServer(t, Config{
		IdleTimeout:  300 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})
	c := dial(t, wsURL(ts, DefaultPath))
	c.SetPingHandler(func(string) error { return nil })

	expectClose(t, c, websocket.CloseNormalClosure)
}

func TestServer_PongKeepsConnectionOpen(t *testing.T) {
	idle := 300 * time.Millisecond
	ts, hub := startServer(t, Config{
		IdleTimeout:  idle,
		PingInterval: 50 * time.Millisecond,
	})
	c := dial(t, wsURL(ts, DefaultPath))

	errCh := make(chan error, 1)
	go func() {
		// The default ping handler answers with a pong while reading.
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	time.Sleep(3 * idle)
	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	default:
	}
	if hub.Len() != 1 {
		t.Fatalf("hub has %d peers, want 1", hub.Len())
	}
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	ts, hub := startServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, DefaultPath), header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
	if got := hub.Metrics().Get(metrics.OriginRejected); got != 1 {
		t.Fatalf("origin rejected=%d, want 1", got)
	}

	header.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, DefaultPath), header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestServer_ClosedHubRejectsWith1013(t *testing.T) {
	hub := relay.NewHub(relay.Config{})
	ts, _ := startServer(t, Config{Hub: hub})
	hub.Close()

	c := dial(t, wsURL(ts, DefaultPath))
	expectClose(t, c, websocket.CloseTryAgainLater)
}
