package domain

import "encoding/json"

// EventSignal is the single relay event name carrying signal messages.
const EventSignal = "signal"

// SignalType identifies the kind of negotiation message.
type SignalType string

const (
	SignalReady     SignalType = "ready"
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Valid reports whether t is one of the protocol's message types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalReady, SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// Message is the wire payload exchanged over the relay topic.
type Message struct {
	Type   SignalType      `json:"type"`
	Data   json.RawMessage `json:"data"`
	Sender ParticipantID   `json:"sender"`
}

// NewMessage encodes data into a message from sender. A nil data encodes as {}.
func NewMessage(t SignalType, data any, sender ParticipantID) (Message, error) {
	if data == nil {
		return Message{Type: t, Data: json.RawMessage("{}"), Sender: sender}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: raw, Sender: sender}, nil
}

// SDP decodes the message data as a session description.
func (m Message) SDP() (SDPPayload, error) {
	var sdp SDPPayload
	err := json.Unmarshal(m.Data, &sdp)
	return sdp, err
}

// Candidate decodes the message data as an ICE candidate.
func (m Message) Candidate() (ICECandidatePayload, error) {
	var c ICECandidatePayload
	err := json.Unmarshal(m.Data, &c)
	return c, err
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages,
// field-compatible with a browser's RTCIceCandidate.toJSON().
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
