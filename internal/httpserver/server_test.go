package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, setup ...func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build)
	for _, fn := range setup {
		fn(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id is echoed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		req.Header.Set("X-Request-ID", "req-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
			t.Fatalf("X-Request-ID=%q, want req-1", got)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ICEServers[1]["username"] != "user" {
		t.Fatalf("expected username on turn server: %#v", payload.ICEServers[1])
	}
}

func TestICEEndpoint_MintsTURNCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
		{URLs: []string{"turns:turn.example.com:5349"}},
	}
	cfg.TURNREST = turnrest.Config{
		SharedSecret:   "s3cret",
		TTL:            time.Hour,
		UsernamePrefix: "signal",
	}
	baseURL := startTestServer(t, cfg)

	fetch := func() []map[string]any {
		t.Helper()
		resp, err := http.Get(baseURL + "/webrtc/ice")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Cache-Control"); got != "no-store" {
			t.Fatalf("Cache-Control=%q", got)
		}
		var payload struct {
			ICEServers []map[string]any `json:"iceServers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(payload.ICEServers) != 3 {
			t.Fatalf("expected 3 iceServers, got %d", len(payload.ICEServers))
		}
		return payload.ICEServers
	}

	first := fetch()
	if _, ok := first[0]["username"]; ok {
		t.Fatalf("stun server got credentials: %#v", first[0])
	}
	username, _ := first[1]["username"].(string)
	if !strings.Contains(username, ":signal:") {
		t.Fatalf("unexpected minted username %q", username)
	}
	if first[2]["username"] != username || first[2]["credential"] != first[1]["credential"] {
		t.Fatalf("turn entries disagree: %#v vs %#v", first[1], first[2])
	}

	second := fetch()
	if second[1]["username"] == username {
		t.Fatalf("expected fresh credentials per request")
	}
	if cfg.ICEServers[1].Username != "" {
		t.Fatalf("configured servers were mutated: %#v", cfg.ICEServers[1])
	}
}

func TestICEEndpoint_EmptyListIsArray(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty array", body)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, cfg)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestICEEndpoint_CORSForAllowedOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	preflight, _ := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	preflight.Header.Set("Access-Control-Request-Method", "GET")
	preflight.Header.Set("Access-Control-Request-Headers", "X-Request-ID")
	resp, err = http.DefaultClient.Do(preflight)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "X-Request-ID" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("SIGNAL_RELAY_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)

	for _, path := range []string{"/readyz", "/webrtc/ice"} {
		resp, err := http.Get(baseURL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.FramesForwarded)
	baseURL := startTestServer(t, testConfig(), func(s *Server) { s.SetMetrics(m) })

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `event="frames_forwarded"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}

func TestSignalingUpgradeThroughMiddleware(t *testing.T) {
	hub := relay.NewHub(relay.Config{})
	t.Cleanup(hub.Close)
	baseURL := startTestServer(t, testConfig(), func(s *Server) {
		signaling.NewServer(signaling.Config{Hub: hub}).RegisterRoutes(s.Mux())
	})

	url := "ws" + strings.TrimPrefix(baseURL, "http") + signaling.DefaultPath
	c1, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c1.Close()
	c2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c2.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d peers, want 2", hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c1.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := c2.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"type":"join"}` {
		t.Fatalf("got %q", got)
	}
}

func TestRedirectHandler(t *testing.T) {
	cases := []struct {
		tlsPort string
		host    string
		target  string
		want    string
	}{
		{"443", "relay.example.com", "/api/socket?x=1", "https://relay.example.com/api/socket?x=1"},
		{"", "relay.example.com:80", "/", "https://relay.example.com/"},
		{"8443", "relay.example.com:8080", "/healthz", "https://relay.example.com:8443/healthz"},
		{"8443", "[::1]:8080", "/", "https://[::1]:8443/"},
		{"443", "[::1]", "/", "https://[::1]/"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		req.Host = tc.host
		rec := httptest.NewRecorder()
		RedirectHandler(tc.tlsPort).ServeHTTP(rec, req)

		if rec.Code != http.StatusMovedPermanently {
			t.Fatalf("%s%s: status=%d, want 301", tc.host, tc.target, rec.Code)
		}
		if got := rec.Header().Get("Location"); got != tc.want {
			t.Fatalf("%s%s: Location=%q, want %q", tc.host, tc.target, got, tc.want)
		}
	}
}

func TestServeTLSRequiresCertificate(t *testing.T) {
	srv := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if err := srv.ServeTLS(ln); err == nil {
		t.Fatalf("expected error without certificate")
	}
}
