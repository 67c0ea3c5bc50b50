// Package webrtcpeer builds the pion API and wraps a PeerConnection as the
// negotiation engine used by a signaling peer.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type APIConfig struct {
	Logger *slog.Logger

	// UDPPortMin/UDPPortMax restrict ICE host candidates to a port range.
	// Both zero means any port.
	UDPPortMin uint16
	UDPPortMax uint16

	// ConfigureSettingEngine runs last, after the settings above are applied.
	// Tests use it to attach a virtual network.
	ConfigureSettingEngine func(*webrtc.SettingEngine)
}

// NewAPI returns an API with the default codecs (Opus, VP8, ...) and the
// default interceptors (NACK, RTCP reports) registered.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if cfg.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(cfg.Logger)
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if cfg.ConfigureSettingEngine != nil {
		cfg.ConfigureSettingEngine(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}
