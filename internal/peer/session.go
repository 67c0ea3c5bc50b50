// Package peer runs one signaling participant: it connects to the relay,
// feeds relayed frames and engine callbacks through the negotiation machine
// and executes the resulting commands.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signal"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/webrtcpeer"
)

// Engine is the local media/ICE engine driven by the session.
// *webrtcpeer.Engine implements it.
type Engine interface {
	CreateOffer() (signal.SessionDescription, error)
	CreateAnswer(offer signal.SessionDescription) (signal.SessionDescription, error)
	SetRemoteAnswer(answer signal.SessionDescription) error
	AddCandidate(c signal.Candidate) error
	SetHandlers(h webrtcpeer.Handlers)
	Close() error
}

var _ Engine = (*webrtcpeer.Engine)(nil)

type SessionConfig struct {
	Channel transport.Channel
	Engine  Engine
	Logger  *slog.Logger

	// OnStateChange is called from the session loop after every transition.
	OnStateChange func(negotiation.State, negotiation.Role)
	// OnRelease runs once during teardown, after the channel and engine are
	// closed. Bootstrap uses it to release local media.
	OnRelease func()
}

type Session struct {
	cfg     SessionConfig
	log     *slog.Logger
	machine *negotiation.Machine
	events  *eventQueue

	mu    sync.Mutex
	state negotiation.State
	role  negotiation.Role

	// closeErr is the first channel error observed; nil for a clean close.
	closeErr    error
	releaseOnce sync.Once
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		machine: negotiation.New(cfg.Logger),
		events:  newEventQueue(),
	}
}

func (s *Session) State() negotiation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() negotiation.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Close requests teardown. Run returns once it has been processed.
func (s *Session) Close() {
	s.events.push(negotiation.Teardown{})
}

// Run drives the session until it is closed, either by ctx, Close, or the
// channel going away. It returns nil for a local teardown and the channel
// error otherwise.
func (s *Session) Run(ctx context.Context) error {
	s.cfg.Engine.SetHandlers(webrtcpeer.Handlers{
		OnCandidate: func(c signal.Candidate) {
			s.events.push(negotiation.LocalCandidate{Candidate: c})
		},
		OnNegotiationNeeded: func() {
			s.events.push(negotiation.NegotiationNeeded{})
		},
		OnConnected: func() {
			s.events.push(negotiation.MediaConnected{})
		},
		OnFailed: func() {
			s.log.Warn("peer connection failed")
		},
	})

	go s.readLoop()
	s.dispatch(negotiation.ChannelOpened{})

	done := ctx.Done()
	for s.machine.State() != negotiation.StateClosed {
		select {
		case <-done:
			done = nil
			s.dispatch(negotiation.Teardown{})
			continue
		case <-s.events.notify:
		}
		for s.machine.State() != negotiation.StateClosed {
			ev, ok := s.events.pop()
			if !ok {
				break
			}
			s.dispatch(ev)
		}
	}
	return s.closeErr
}

func (s *Session) readLoop() {
	for {
		frame, err := s.cfg.Channel.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				err = nil
			}
			s.events.push(negotiation.ChannelClosed{Err: err})
			return
		}
		s.events.push(negotiation.FrameReceived{Frame: frame})
	}
}

func (s *Session) dispatch(ev negotiation.Event) {
	if cc, ok := ev.(negotiation.ChannelClosed); ok && cc.Err != nil && s.machine.State() != negotiation.StateClosed {
		s.closeErr = fmt.Errorf("signaling channel: %w", cc.Err)
	}

	cmds := s.machine.Handle(ev)
	s.publishState()
	for _, cmd := range cmds {
		s.execute(cmd)
	}
}

func (s *Session) publishState() {
	state, role := s.machine.State(), s.machine.Role()

	s.mu.Lock()
	changed := state != s.state || role != s.role
	s.state, s.role = state, role
	s.mu.Unlock()

	if !changed {
		return
	}
	s.log.Info("negotiation state", "state", state.String(), "role", role.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state, role)
	}
}

func (s *Session) execute(cmd negotiation.Command) {
	engine := s.cfg.Engine

	switch cmd := cmd.(type) {
	case negotiation.SendMessage:
		s.send(cmd.Message)

	case negotiation.CreateOffer:
		desc, err := engine.CreateOffer()
		if err != nil {
			s.events.push(negotiation.EngineFailed{Op: negotiation.OpCreateOffer, Err: err})
			return
		}
		s.events.push(negotiation.LocalDescriptionSet{Description: desc})

	case negotiation.CreateAnswer:
		desc, err := engine.CreateAnswer(cmd.Offer)
		if err != nil {
			s.events.push(negotiation.EngineFailed{Op: negotiation.OpCreateAnswer, Err: err})
			return
		}
		s.events.push(negotiation.LocalDescriptionSet{Description: desc})

	case negotiation.ApplyAnswer:
		if err := engine.SetRemoteAnswer(cmd.Answer); err != nil {
			s.events.push(negotiation.EngineFailed{Op: negotiation.OpApplyAnswer, Err: err})
			return
		}
		s.events.push(negotiation.RemoteDescriptionSet{Description: cmd.Answer})

	case negotiation.ApplyCandidate:
		if err := engine.AddCandidate(cmd.Candidate); err != nil {
			s.events.push(negotiation.EngineFailed{Op: negotiation.OpApplyCandidate, Err: err})
		}

	case negotiation.Release:
		s.release()
	}
}

func (s *Session) send(msg signal.Message) {
	frame, err := signal.Encode(msg)
	if err != nil {
		s.log.Error("failed to encode signaling message", "type", msg.Type, "err", err)
		return
	}
	if err := s.cfg.Channel.Send(frame); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			s.events.push(negotiation.ChannelClosed{})
			return
		}
		s.log.Warn("failed to send signaling message", "type", msg.Type, "err", err)
		s.events.push(negotiation.ChannelClosed{Err: err})
		return
	}
	s.log.Debug("sent signaling message", "type", msg.Type)
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		_ = s.cfg.Channel.Close()
		if err := s.cfg.Engine.Close(); err != nil {
			s.log.Debug("engine close failed", "err", err)
		}
		if s.cfg.OnRelease != nil {
			s.cfg.OnRelease()
		}
	})
}
