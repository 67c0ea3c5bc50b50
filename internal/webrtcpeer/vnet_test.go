package webrtcpeer_test

import (
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

// newVNetAPIs returns two APIs attached to one virtual LAN.
func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var apis []*webrtc.API
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
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
		apis = append(apis, api)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis[0], apis[1]
}
