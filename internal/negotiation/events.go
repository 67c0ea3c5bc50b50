package negotiation

import "github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signal"

// Event is an input to Machine.Handle.
type Event interface{ isEvent() }

// ChannelOpened is posted once the signaling channel is connected.
type ChannelOpened struct{}

// FrameReceived carries one raw frame from the signaling channel.
type FrameReceived struct {
	Frame []byte
}

// LocalCandidate is a candidate gathered by the local engine.
type LocalCandidate struct {
	Candidate signal.Candidate
}

// NegotiationNeeded is raised by the engine when its media set changes.
type NegotiationNeeded struct{}

// LocalDescriptionSet reports that a CreateOffer or CreateAnswer command
// completed and the description is now the engine's local description.
type LocalDescriptionSet struct {
	Description signal.SessionDescription
}

// RemoteDescriptionSet reports that an ApplyAnswer command completed.
type RemoteDescriptionSet struct {
	Description signal.SessionDescription
}

// Op names the engine operation an EngineFailed event refers to.
type Op string

const (
	OpCreateOffer    Op = "create_offer"
	OpCreateAnswer   Op = "create_answer"
	OpApplyAnswer    Op = "apply_answer"
	OpApplyCandidate Op = "apply_candidate"
)

// EngineFailed reports a failed engine command.
type EngineFailed struct {
	Op  Op
	Err error
}

// MediaConnected is posted when the engine's peer connection is connected.
type MediaConnected struct{}

// ChannelClosed is posted when the signaling channel goes away. Err is nil
// for a clean close.
type ChannelClosed struct {
	Err error
}

// Teardown is an explicit local request to end the session.
type Teardown struct{}

func (ChannelOpened) isEvent()        {}
func (FrameReceived) isEvent()        {}
func (LocalCandidate) isEvent()       {}
func (NegotiationNeeded) isEvent()    {}
func (LocalDescriptionSet) isEvent()  {}
func (RemoteDescriptionSet) isEvent() {}
func (EngineFailed) isEvent()         {}
func (MediaConnected) isEvent()       {}
func (ChannelClosed) isEvent()        {}
func (Teardown) isEvent()             {}

// Command is an output of Machine.Handle, executed by the session loop.
type Command interface{ isCommand() }

// SendMessage asks the session to encode Message and send it on the channel.
type SendMessage struct {
	Message signal.Message
}

// CreateOffer asks the engine to create an offer and set it as the local
// description. The result comes back as LocalDescriptionSet or EngineFailed.
type CreateOffer struct{}

// CreateAnswer asks the engine to apply Offer as the remote description, then
// create and set an answer.
type CreateAnswer struct {
	Offer signal.SessionDescription
}

// ApplyAnswer asks the engine to set Answer as the remote description.
type ApplyAnswer struct {
	Answer signal.SessionDescription
}

// ApplyCandidate hands a remote candidate to the engine.
type ApplyCandidate struct {
	Candidate signal.Candidate
}

// Release asks the session to close the channel, the engine and local media.
type Release struct{}

func (SendMessage) isCommand()    {}
func (CreateOffer) isCommand()    {}
func (CreateAnswer) isCommand()   {}
func (ApplyAnswer) isCommand()    {}
func (ApplyCandidate) isCommand() {}
func (Release) isCommand()        {}
