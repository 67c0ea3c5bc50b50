package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/media"
)

const (
	envVarPeerURL            = "SIGNAL_PEER_URL"
	envVarPeerOrigin         = "SIGNAL_PEER_ORIGIN"
	envVarPeerICEConfigURL   = "SIGNAL_PEER_ICE_CONFIG_URL"
	envVarPeerSTUNURLs       = "SIGNAL_PEER_STUN_URLS"
	envVarPeerAudio          = "SIGNAL_PEER_AUDIO"
	envVarPeerVideo          = "SIGNAL_PEER_VIDEO"
	envVarPeerAudioRTPAddr   = "SIGNAL_PEER_AUDIO_RTP_ADDR"
	envVarPeerVideoRTPAddr   = "SIGNAL_PEER_VIDEO_RTP_ADDR"
	envVarPeerForwardRTPAddr = "SIGNAL_PEER_FORWARD_RTP_ADDR"
	envVarPeerPLIInterval    = "SIGNAL_PEER_PLI_INTERVAL"
	envVarPeerUDPPortMin     = "SIGNAL_PEER_UDP_PORT_MIN"
	envVarPeerUDPPortMax     = "SIGNAL_PEER_UDP_PORT_MAX"
	envVarPeerLogFormat      = "SIGNAL_PEER_LOG_FORMAT"
	envVarPeerLogLevel       = "SIGNAL_PEER_LOG_LEVEL"
)

const DefaultPeerURL = "ws://" + DefaultListenAddr + "/api/socket"

// Peer is the signal-peer configuration. LoadPeer fills it from the
// environment; BindFlags then lets command-line flags override each field.
type Peer struct {
	SignalURL    string
	Origin       string
	ICEConfigURL string
	STUNURLs     string

	Audio          bool
	Video          bool
	AudioRTPAddr   string
	VideoRTPAddr   string
	ForwardRTPAddr string
	PLIInterval    time.Duration

	UDPPortMin uint16
	UDPPortMax uint16

	LogFormat string
	LogLevel  string
}

func LoadPeer(lookup func(string) (string, bool)) (Peer, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	p := Peer{
		SignalURL:      envOrDefault(lookup, envVarPeerURL, DefaultPeerURL),
		Origin:         envOrDefault(lookup, envVarPeerOrigin, ""),
		ICEConfigURL:   envOrDefault(lookup, envVarPeerICEConfigURL, ""),
		STUNURLs:       envOrDefault(lookup, envVarPeerSTUNURLs, DefaultSTUNURL),
		AudioRTPAddr:   envOrDefault(lookup, envVarPeerAudioRTPAddr, ""),
		VideoRTPAddr:   envOrDefault(lookup, envVarPeerVideoRTPAddr, ""),
		ForwardRTPAddr: envOrDefault(lookup, envVarPeerForwardRTPAddr, ""),
		LogFormat:      envOrDefault(lookup, envVarPeerLogFormat, string(LogFormatText)),
		LogLevel:       envOrDefault(lookup, envVarPeerLogLevel, "info"),
	}

	var err error
	if p.Audio, err = envBoolOrDefault(lookup, envVarPeerAudio, true); err != nil {
		return Peer{}, err
	}
	if p.Video, err = envBoolOrDefault(lookup, envVarPeerVideo, true); err != nil {
		return Peer{}, err
	}
	if p.PLIInterval, err = envDurationOrDefault(lookup, envVarPeerPLIInterval, media.DefaultPLIInterval); err != nil {
		return Peer{}, err
	}

	portMin, err := envIntOrDefault(lookup, envVarPeerUDPPortMin, 0)
	if err != nil {
		return Peer{}, err
	}
	portMax, err := envIntOrDefault(lookup, envVarPeerUDPPortMax, 0)
	if err != nil {
		return Peer{}, err
	}
	if p.UDPPortMin, err = portOrZero(envVarPeerUDPPortMin, portMin); err != nil {
		return Peer{}, err
	}
	if p.UDPPortMax, err = portOrZero(envVarPeerUDPPortMax, portMax); err != nil {
		return Peer{}, err
	}
	return p, nil
}

// BindFlags registers persistent flags whose defaults are the current field
// values.
func (p *Peer) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&p.SignalURL, "url", p.SignalURL, "Relay WebSocket URL (env "+envVarPeerURL+")")
	fs.StringVar(&p.Origin, "origin", p.Origin, "Origin header sent with the WebSocket upgrade (env "+envVarPeerOrigin+")")
	fs.StringVar(&p.ICEConfigURL, "ice-config-url", p.ICEConfigURL, "URL serving {\"iceServers\":[...]}, e.g. the relay's /webrtc/ice (env "+envVarPeerICEConfigURL+")")
	fs.StringVar(&p.STUNURLs, "stun-urls", p.STUNURLs, "Comma-separated STUN URLs used when no ICE config URL answers (env "+envVarPeerSTUNURLs+")")
	fs.BoolVar(&p.Audio, "audio", p.Audio, "Send an Opus audio track (env "+envVarPeerAudio+")")
	fs.BoolVar(&p.Video, "video", p.Video, "Send a VP8 video track (env "+envVarPeerVideo+")")
	fs.StringVar(&p.AudioRTPAddr, "audio-rtp-addr", p.AudioRTPAddr, "UDP address to receive Opus RTP for the audio track (env "+envVarPeerAudioRTPAddr+")")
	fs.StringVar(&p.VideoRTPAddr, "video-rtp-addr", p.VideoRTPAddr, "UDP address to receive VP8 RTP for the video track (env "+envVarPeerVideoRTPAddr+")")
	fs.StringVar(&p.ForwardRTPAddr, "forward-rtp-addr", p.ForwardRTPAddr, "UDP address remote RTP is forwarded to (env "+envVarPeerForwardRTPAddr+")")
	fs.DurationVar(&p.PLIInterval, "pli-interval", p.PLIInterval, "Keyframe request interval for remote video; negative disables (env "+envVarPeerPLIInterval+")")
	fs.Uint16Var(&p.UDPPortMin, "udp-port-min", p.UDPPortMin, "Min UDP port for ICE (0 = any; env "+envVarPeerUDPPortMin+")")
	fs.Uint16Var(&p.UDPPortMax, "udp-port-max", p.UDPPortMax, "Max UDP port for ICE (0 = any; env "+envVarPeerUDPPortMax+")")
	fs.StringVar(&p.LogFormat, "log-format", p.LogFormat, "Log format: text or json (env "+envVarPeerLogFormat+")")
	fs.StringVar(&p.LogLevel, "log-level", p.LogLevel, "Log level: debug, info, warn, error (env "+envVarPeerLogLevel+")")
}

// Validate checks the values after flags have been parsed.
func (p Peer) Validate() error {
	u, err := url.Parse(strings.TrimSpace(p.SignalURL))
	if err != nil {
		return fmt.Errorf("invalid %s/--url %q: %w", envVarPeerURL, p.SignalURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid %s/--url %q (expected ws:// or wss://)", envVarPeerURL, p.SignalURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s/--url %q (missing host)", envVarPeerURL, p.SignalURL)
	}
	if _, err := normalizeOriginValue(p.Origin); err != nil {
		return fmt.Errorf("invalid %s/--origin %q: %w", envVarPeerOrigin, p.Origin, err)
	}
	if p.ICEConfigURL != "" {
		u, err := url.Parse(p.ICEConfigURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid %s/--ice-config-url %q (expected http:// or https://)", envVarPeerICEConfigURL, p.ICEConfigURL)
		}
	}
	if _, err := p.ICEServers(); err != nil {
		return err
	}
	if !p.Audio && !p.Video {
		return fmt.Errorf("at least one of %s/--audio and %s/--video must be enabled", envVarPeerAudio, envVarPeerVideo)
	}
	for _, addr := range []struct{ name, value string }{
		{envVarPeerAudioRTPAddr + "/--audio-rtp-addr", p.AudioRTPAddr},
		{envVarPeerVideoRTPAddr + "/--video-rtp-addr", p.VideoRTPAddr},
		{envVarPeerForwardRTPAddr + "/--forward-rtp-addr", p.ForwardRTPAddr},
	} {
		if addr.value == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", addr.name, addr.value, err)
		}
	}
	if (p.UDPPortMin == 0) != (p.UDPPortMax == 0) {
		return fmt.Errorf("%s and %s must be set together (or both unset)", envVarPeerUDPPortMin, envVarPeerUDPPortMax)
	}
	if p.UDPPortMin > p.UDPPortMax {
		return fmt.Errorf("UDP port range min (%d) must be <= max (%d)", p.UDPPortMin, p.UDPPortMax)
	}
	if _, err := parseLogFormat(p.LogFormat); err != nil {
		return err
	}
	if _, err := parseLogLevel(p.LogLevel); err != nil {
		return err
	}
	return nil
}

// ICEServers returns the fallback STUN list. An empty list is valid and
// leaves the peer with host candidates only.
func (p Peer) ICEServers() ([]webrtc.ICEServer, error) {
	urls := splitCommaSeparated(p.STUNURLs)
	if len(urls) == 0 {
		return nil, nil
	}
	server, err := STUNServer(urls)
	if err != nil {
		return nil, fmt.Errorf("%s/--stun-urls: %w", envVarPeerSTUNURLs, err)
	}
	return []webrtc.ICEServer{server}, nil
}

// Header is sent with the WebSocket upgrade request.
func (p Peer) Header() http.Header {
	h := http.Header{}
	if origin, _ := normalizeOriginValue(p.Origin); origin != "" {
		h.Set("Origin", origin)
	}
	return h
}

func NewPeerLogger(p Peer) (*slog.Logger, error) {
	format, err := parseLogFormat(p.LogFormat)
	if err != nil {
		return nil, err
	}
	level, err := parseLogLevel(p.LogLevel)
	if err != nil {
		return nil, err
	}
	return newLogger(format, level)
}

func portOrZero(key string, v int) (uint16, error) {
	if v < 0 || v > 65535 {
		return 0, fmt.Errorf("invalid %s %d (expected 0-65535)", key, v)
	}
	return uint16(v), nil
}
