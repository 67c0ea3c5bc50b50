package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/transport"
)

const (
	DefaultPath = "/api/socket"

	DefaultMaxMessageBytes      int64 = 64 * 1024
	DefaultMaxMessagesPerSecond       = 50
	DefaultIdleTimeout                = 60 * time.Second
	DefaultPingInterval               = 20 * time.Second
)

// Config wires together the runtime dependencies for the signaling endpoint.
type Config struct {
	// Hub receives every accepted connection. Required.
	Hub *relay.Hub

	// Path is the WebSocket upgrade path. Defaults to DefaultPath.
	Path string

	// AllowedOrigins restricts browser origins. Empty means same-host only;
	// requests without an Origin header are always accepted.
	AllowedOrigins []string

	// WebSocket inbound hardening. Zero values select the defaults above;
	// negative durations disable idle detection and pings.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts WebSocket connections and registers them with the hub.
type Server struct {
	cfg      Config
	hub      *relay.Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	policy   origin.Policy
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Metrics == nil && cfg.Hub != nil {
		cfg.Metrics = cfg.Hub.Metrics()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	s := &Server{
		cfg:     cfg,
		hub:     cfg.Hub,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		policy:  origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Path returns the path the socket endpoint is served on.
func (s *Server) Path() string { return s.cfg.Path }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.cfg.Path, s.handleSocket)
}

// ServeHTTP serves the socket endpoint alone, for tests and embedding.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || r.URL.Path != s.cfg.Path {
		http.NotFound(w, r)
		return
	}
	s.handleSocket(w, r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	normalized, ok := s.policy.Check(r)
	if !ok {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Warn("rejected websocket origin", "origin", r.Header.Get("Origin"), "normalized", normalized, "remote_addr", r.RemoteAddr)
	}
	return ok
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "signaling hub not configured", http.StatusInternalServerError)
		return
	}

	// On failure the upgrader has already written an HTTP error response.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := transport.NewWebSocket(conn, transport.WebSocketConfig{
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		PingInterval:    positive(s.cfg.PingInterval),
		IdleTimeout:     positive(s.cfg.IdleTimeout),
	})

	member, err := s.hub.Connect(ws)
	if err != nil {
		s.log.Warn("rejecting connection", "remote_addr", r.RemoteAddr, "err", err)
		ws.CloseWith(websocket.CloseTryAgainLater, "relay shutting down")
		return
	}
	defer s.hub.Disconnect(member)

	log := s.log.With("conn_id", member.ID())
	log.Info("peer connected", "remote_addr", r.RemoteAddr, "peers", s.hub.Len())

	limiter := ratelimit.NewPerSecond(ratelimit.RealClock{}, s.cfg.MaxMessagesPerSecond)
	for {
		frame, err := ws.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("peer disconnected")
			} else {
				log.Info("peer disconnected", "err", err)
			}
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.SignalingRateLimited)
			log.Warn("signaling rate limit exceeded")
			ws.CloseWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		s.hub.Broadcast(member, frame)
	}
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
