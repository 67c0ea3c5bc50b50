package peer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

type Config struct {
	// SignalURL is the relay's WebSocket endpoint.
	SignalURL string
	// Header is sent with the upgrade request (for example Origin).
	Header http.Header

	// ICEConfigURL, if set, is queried for ICE servers. ICEServers is used
	// when it is unset or the fetch fails.
	ICEConfigURL string
	ICEServers   []webrtc.ICEServer
	HTTPClient   *http.Client

	Media media.SourceConfig
	Sink  media.SinkConfig

	// API defaults to webrtcpeer.NewAPI with Logger.
	API     *webrtc.API
	Channel transport.WebSocketConfig

	Logger        *slog.Logger
	OnStateChange func(negotiation.State, negotiation.Role)
}

// Run bootstraps one peer and blocks until the session ends. Local media is
// acquired first and is released on every exit path.
func Run(ctx context.Context, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if cfg.Media.Logger == nil {
		cfg.Media.Logger = log
	}
	source, err := media.Acquire(ctx, cfg.Media)
	if err != nil {
		return err
	}

	if cfg.Sink.Logger == nil {
		cfg.Sink.Logger = log
	}
	sink, err := media.NewSink(cfg.Sink)
	if err != nil {
		source.Release()
		return err
	}
	releaseMedia := func() {
		_ = sink.Close()
		source.Release()
	}

	iceServers := cfg.ICEServers
	if cfg.ICEConfigURL != "" {
		fetched, err := FetchICEServers(ctx, cfg.HTTPClient, cfg.ICEConfigURL)
		if err != nil {
			log.Warn("ice config fetch failed; using configured servers", "url", cfg.ICEConfigURL, "err", err)
		} else {
			iceServers = fetched
		}
	}

	api := cfg.API
	if api == nil {
		api, err = webrtcpeer.NewAPI(webrtcpeer.APIConfig{Logger: log})
		if err != nil {
			releaseMedia()
			return err
		}
	}

	engine, err := webrtcpeer.NewEngine(api, webrtcpeer.EngineConfig{
		ICEServers: iceServers,
		Logger:     log,
		OnRemoteTrack: func(track *webrtc.TrackRemote, e *webrtcpeer.Engine) {
			sink.Consume(track, e)
		},
	})
	if err != nil {
		releaseMedia()
		return err
	}
	if err := engine.AddTracks(source.Tracks()...); err != nil {
		_ = engine.Close()
		releaseMedia()
		return err
	}

	ch, err := transport.Dial(ctx, cfg.SignalURL, cfg.Header, cfg.Channel)
	if err != nil {
		_ = engine.Close()
		releaseMedia()
		return err
	}
	log.Info("connected to signaling relay", "url", cfg.SignalURL)

	sess := NewSession(SessionConfig{
		Channel:       ch,
		Engine:        engine,
		Logger:        log,
		OnStateChange: cfg.OnStateChange,
		OnRelease:     releaseMedia,
	})
	if err := sess.Run(ctx); err != nil {
		return fmt.Errorf("session ended: %w", err)
	}
	return nil
}
