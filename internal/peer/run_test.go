package peer_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

func newVNetAPI(t *testing.T, router *vnet.Router, ip string) *webrtc.API {
	t.Helper()
	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net %s: %v", ip, err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("add net %s: %v", ip, err)
	}
	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{
		ConfigureSettingEngine: func(se *webrtc.SettingEngine) { se.SetNet(n) },
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	return api
}

type stateLog struct {
	mu    sync.Mutex
	state negotiation.State
	role  negotiation.Role
}

func (l *stateLog) record(s negotiation.State, r negotiation.Role) {
	l.mu.Lock()
	l.state, l.role = s, r
	l.mu.Unlock()
}

func (l *stateLog) get() (negotiation.State, negotiation.Role) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.role
}

func TestRun_TwoPionPeersConnectThroughRelay(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	apiA := newVNetAPI(t, router, "10.0.0.1")
	apiB := newVNetAPI(t, router, "10.0.0.2")
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	hub := relay.NewHub(relay.Config{})
	t.Cleanup(hub.Close)
	srv := signaling.NewServer(signaling.Config{Hub: hub})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	signalURL := "ws" + strings.TrimPrefix(ts.URL, "http") + signaling.DefaultPath

	start := func(api *webrtc.API, log *stateLog) (context.CancelFunc, chan error) {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- peer.Run(ctx, peer.Config{
				SignalURL:     signalURL,
				API:           api,
				Media:         media.SourceConfig{Audio: true, Video: true},
				OnStateChange: log.record,
			})
		}()
		return cancel, errCh
	}

	var logA, logB stateLog
	cancelA, errA := start(apiA, &logA)
	defer cancelA()

	waitFor(t, "A's join", func() bool { return hub.Metrics().Get(metrics.FramesReceived) >= 1 })

	cancelB, errB := start(apiB, &logB)
	defer cancelB()

	waitFor(t, "both peers connected", func() bool {
		a, _ := logA.get()
		b, _ := logB.get()
		return a == negotiation.StateConnected && b == negotiation.StateConnected
	})

	if _, role := logA.get(); role != negotiation.RoleInitiator {
		t.Fatalf("A role=%v, want initiator", role)
	}
	if _, role := logB.get(); role != negotiation.RoleResponder {
		t.Fatalf("B role=%v, want responder", role)
	}

	cancelA()
	cancelB()
	for name, ch := range map[string]chan error{"A": errA, "B": errB} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("%s run: %v", name, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("%s did not stop", name)
		}
	}
}

func TestRun_DialFailureIsConnectionError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	err := peer.Run(context.Background(), peer.Config{
		SignalURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket",
		Media:     media.SourceConfig{Audio: true, AudioRTPAddr: "127.0.0.1:0"},
	})
	var cerr *transport.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("err=%v, want *transport.ConnectionError", err)
	}
	if cerr.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", cerr.StatusCode)
	}
}

func TestRun_MediaFailureAbortsBeforeDial(t *testing.T) {
	err := peer.Run(context.Background(), peer.Config{SignalURL: "ws://127.0.0.1:1/api/socket"})
	var aerr *media.AcquisitionError
	if !errors.As(err, &aerr) {
		t.Fatalf("err=%v, want *media.AcquisitionError", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
