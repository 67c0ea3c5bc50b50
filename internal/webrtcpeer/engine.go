package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signal"
)

// Handlers receive engine callbacks. They run on pion goroutines and must not
// block.
type Handlers struct {
	OnCandidate         func(signal.Candidate)
	OnNegotiationNeeded func()
	OnConnected         func()
	// OnFailed is called when ICE/DTLS gives up on the connection.
	OnFailed func()
}

type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	// OnRemoteTrack is called for each incoming track. The engine itself is
	// passed as the RTCP writer for feedback such as PLI.
	OnRemoteTrack func(*webrtc.TrackRemote, *Engine)
}

// Engine wraps one PeerConnection. Negotiation methods are expected to be
// called from a single goroutine.
type Engine struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu       sync.Mutex
	handlers Handlers
	closed   bool

	// Remote candidates that arrived before a remote description.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	closeOnce sync.Once
	closeErr  error
}

func NewEngine(api *webrtc.API, cfg EngineConfig) (*Engine, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	e := &Engine{pc: pc, log: cfg.Logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; peers don't need it.
		if c == nil {
			return
		}
		if h := e.currentHandlers(); h.OnCandidate != nil {
			h.OnCandidate(signal.CandidateFromPion(c.ToJSON()))
		}
	})
	pc.OnNegotiationNeeded(func() {
		if h := e.currentHandlers(); h.OnNegotiationNeeded != nil {
			h.OnNegotiationNeeded()
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Info("peer connection state", "state", state.String())
		h := e.currentHandlers()
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if h.OnConnected != nil {
				h.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if h.OnFailed != nil {
				h.OnFailed()
			}
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType, "ssrc", uint32(track.SSRC()))
		if cfg.OnRemoteTrack != nil {
			cfg.OnRemoteTrack(track, e)
			return
		}
		go drainTrack(track)
	})

	return e, nil
}

func (e *Engine) SetHandlers(h Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

func (e *Engine) currentHandlers() Handlers {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Handlers{}
	}
	return e.handlers
}

// AddTracks attaches local tracks. Incoming RTCP for each sender is drained so
// interceptors keep running.
func (e *Engine) AddTracks(tracks ...webrtc.TrackLocal) error {
	for _, track := range tracks {
		sender, err := e.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

func (e *Engine) CreateOffer() (signal.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return e.localDescription()
}

// CreateAnswer applies offer as the remote description, then creates and
// sets an answer.
func (e *Engine) CreateAnswer(offer signal.SessionDescription) (signal.SessionDescription, error) {
	if err := e.setRemote(offer); err != nil {
		return signal.SessionDescription{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return e.localDescription()
}

func (e *Engine) SetRemoteAnswer(answer signal.SessionDescription) error {
	return e.setRemote(answer)
}

// AddCandidate applies a remote candidate, buffering it until a remote
// description is set.
func (e *Engine) AddCandidate(c signal.Candidate) error {
	if c.Candidate == "" {
		return nil
	}
	init := c.ToPion()

	e.mu.Lock()
	if !e.remoteSet {
		e.pending = append(e.pending, init)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// WriteRTCP sends RTCP feedback to the remote peer.
func (e *Engine) WriteRTCP(pkts []rtcp.Packet) error {
	return e.pc.WriteRTCP(pkts)
}

func (e *Engine) PeerConnection() *webrtc.PeerConnection {
	return e.pc
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.pending = nil
		e.mu.Unlock()
		e.closeErr = e.pc.Close()
	})
	return e.closeErr
}

func (e *Engine) setRemote(desc signal.SessionDescription) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, init := range pending {
		if err := e.pc.AddICECandidate(init); err != nil {
			e.log.Warn("failed to apply buffered candidate", "err", err)
		}
	}
	return nil
}

func (e *Engine) localDescription() (signal.SessionDescription, error) {
	desc := e.pc.LocalDescription()
	if desc == nil {
		return signal.SessionDescription{}, errors.New("local description not set")
	}
	return signal.DescriptionFromPion(*desc)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
