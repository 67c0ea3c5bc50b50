// Package signal defines the JSON records exchanged between peers through the
// relay. One WebSocket text frame carries exactly one record.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeJoin      Type = "join"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// usable "type" discriminator and the fields that type requires.
	ErrMalformed = errors.New("malformed signaling message")
	// ErrUnknownType is returned for well-formed records with a type this
	// package doesn't know about.
	ErrUnknownType = errors.New("unknown signaling message type")
)

// Candidate mirrors the browser's RTCIceCandidateInit JSON shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SessionDescription is an offer or answer. On the wire it is sent as-is, so
// the SDP type doubles as the message type.
type SessionDescription struct {
	Type Type
	SDP  string
}

func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case TypeOffer:
		t = webrtc.SDPTypeOffer
	case TypeAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func DescriptionFromPion(desc webrtc.SessionDescription) (SessionDescription, error) {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return SessionDescription{Type: TypeOffer, SDP: desc.SDP}, nil
	case webrtc.SDPTypeAnswer:
		return SessionDescription{Type: TypeAnswer, SDP: desc.SDP}, nil
	default:
		return SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type.String())
	}
}

// Message is the tagged union carried by every frame.
type Message struct {
	Type      Type       `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func Join() Message {
	return Message{Type: TypeJoin}
}

func DescriptionMessage(desc SessionDescription) Message {
	return Message{Type: desc.Type, SDP: desc.SDP}
}

func CandidateMessage(c Candidate) Message {
	return Message{Type: TypeCandidate, Candidate: &c}
}

// Description returns the session description carried by an offer or answer.
func (m Message) Description() (SessionDescription, bool) {
	if m.Type != TypeOffer && m.Type != TypeAnswer {
		return SessionDescription{}, false
	}
	return SessionDescription{Type: m.Type, SDP: m.SDP}, true
}

// Parse decodes a single frame. Unknown fields are tolerated since browsers
// serialize more than we read.
//
// A "candidate" record without a candidate object is valid and parses with a
// nil Candidate.
func Parse(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch m.Type {
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeJoin:
		return Message{Type: TypeJoin}, nil
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return Message{}, fmt.Errorf("%w: %s message missing sdp", ErrMalformed, m.Type)
		}
		return Message{Type: m.Type, SDP: m.SDP}, nil
	case TypeCandidate:
		return Message{Type: TypeCandidate, Candidate: m.Candidate}, nil
	default:
		return m, fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
