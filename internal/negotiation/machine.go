// Package negotiation implements the per-peer signaling state machine.
//
// Machine is pure: Handle consumes one Event and returns the Commands the
// caller must execute. Results of engine commands are fed back as events.
// Handle is not safe for concurrent use; callers serialize events through a
// single loop.
package negotiation

import (
	"errors"
	"io"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signal"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingRole
	StateInitiator
	StateResponder
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRole:
		return "awaiting_role"
	case StateInitiator:
		return "initiator"
	case StateResponder:
		return "responder"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleUndecided Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "undecided"
	}
}

type Machine struct {
	log *slog.Logger

	state State
	role  Role

	// An offer is outstanding from CreateOffer until the matching answer has
	// been applied (or either step failed).
	offerInFlight  bool
	awaitingAnswer bool
}

func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{log: logger}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Role() Role   { return m.role }

// Handle applies ev and returns the commands to run, in order. Once the
// machine is closed every event is ignored.
func (m *Machine) Handle(ev Event) []Command {
	if m.state == StateClosed {
		return nil
	}

	switch ev := ev.(type) {
	case ChannelOpened:
		if m.state != StateIdle {
			return nil
		}
		m.state = StateAwaitingRole
		return []Command{SendMessage{Message: signal.Join()}}

	case FrameReceived:
		return m.handleFrame(ev.Frame)

	case LocalCandidate:
		return []Command{SendMessage{Message: signal.CandidateMessage(ev.Candidate)}}

	case NegotiationNeeded:
		if m.role != RoleInitiator {
			return nil
		}
		return m.startOffer()

	case LocalDescriptionSet:
		switch ev.Description.Type {
		case signal.TypeOffer:
			m.offerInFlight = false
			m.awaitingAnswer = true
		case signal.TypeAnswer:
		default:
			m.log.Warn("ignoring local description with unexpected type", "type", ev.Description.Type)
			return nil
		}
		if m.state == StateInitiator || m.state == StateResponder {
			m.setState(StateNegotiating)
		}
		return []Command{SendMessage{Message: signal.DescriptionMessage(ev.Description)}}

	case RemoteDescriptionSet:
		if ev.Description.Type == signal.TypeAnswer {
			m.awaitingAnswer = false
		}
		return nil

	case EngineFailed:
		m.log.Warn("negotiation step failed", "op", ev.Op, "state", m.state, "err", ev.Err)
		switch ev.Op {
		case OpCreateOffer:
			m.offerInFlight = false
		case OpApplyAnswer:
			m.awaitingAnswer = false
		}
		return nil

	case MediaConnected:
		if m.state != StateConnected {
			m.setState(StateConnected)
		}
		return nil

	case ChannelClosed:
		if ev.Err != nil {
			m.log.Info("signaling channel closed", "err", ev.Err)
		}
		return m.close()

	case Teardown:
		return m.close()
	}
	return nil
}

func (m *Machine) handleFrame(frame []byte) []Command {
	if m.state == StateIdle {
		m.log.Debug("dropping frame received before the channel opened")
		return nil
	}

	msg, err := signal.Parse(frame)
	if err != nil {
		if errors.Is(err, signal.ErrUnknownType) {
			m.log.Debug("ignoring signaling message", "type", msg.Type)
		} else {
			m.log.Warn("ignoring malformed signaling frame", "err", err)
		}
		return nil
	}

	switch msg.Type {
	case signal.TypeJoin:
		if m.role == RoleInitiator {
			return nil
		}
		m.role = RoleInitiator
		m.setState(StateInitiator)
		return m.startOffer()

	case signal.TypeOffer:
		if m.role == RoleInitiator {
			m.log.Warn("offer received while initiator; ignoring (glare)")
			return nil
		}
		m.role = RoleResponder
		if m.state == StateAwaitingRole {
			m.setState(StateResponder)
		}
		offer, _ := msg.Description()
		return []Command{CreateAnswer{Offer: offer}}

	case signal.TypeAnswer:
		if m.role != RoleInitiator {
			m.log.Debug("ignoring answer; not the initiator", "role", m.role)
			return nil
		}
		answer, _ := msg.Description()
		return []Command{ApplyAnswer{Answer: answer}}

	case signal.TypeCandidate:
		if msg.Candidate == nil {
			return nil
		}
		return []Command{ApplyCandidate{Candidate: *msg.Candidate}}
	}
	return nil
}

func (m *Machine) startOffer() []Command {
	if m.offerInFlight || m.awaitingAnswer {
		return nil
	}
	m.offerInFlight = true
	return []Command{CreateOffer{}}
}

func (m *Machine) close() []Command {
	m.setState(StateClosed)
	return []Command{Release{}}
}

func (m *Machine) setState(s State) {
	m.log.Debug("negotiation state", "from", m.state, "to", s, "role", m.role)
	m.state = s
}
