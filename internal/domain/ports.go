package domain

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// SubscribeOptions tune one relay subscription.
type SubscribeOptions struct {
	// ReceiveOwn asks the relay to echo this subscription's own sends back.
	ReceiveOwn bool
	// OnPresence, when set, receives the number of subscribers on the topic
	// whenever the relay learns it changed. Backends that cannot count
	// subscribers never call it.
	OnPresence func(count int)
}

// Relay is the topic-scoped publish/subscribe primitive signaling rides on.
// Implementations report status asynchronously through onStatus and deliver
// each inbound payload once through onMessage.
type Relay interface {
	Subscribe(topic string, opts SubscribeOptions, onStatus func(ChannelStatus, error), onMessage func(event string, payload []byte)) (Subscription, error)
}

// Subscription is a live relay subscription handle.
type Subscription interface {
	Send(ctx context.Context, event string, payload []byte) error
	Close() error
}

// Signaler sends protocol messages on the room's channel.
type Signaler interface {
	Send(ctx context.Context, msg Message) error
}

// RemoteTrack is a media track received from the other side.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// PeerHandlers are the transport callbacks registered on every new peer.
type PeerHandlers struct {
	OnLocalCandidate  func(ICECandidatePayload)
	OnTrack           func(RemoteTrack)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// Peer manages one WebRTC peer connection.
type Peer interface {
	AddLocalStream(stream LocalStream) error
	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	HasRemoteDescription() bool
	AddRemoteICECandidate(candidate ICECandidatePayload) error
	Close() error
}

// PeerFactory builds peers sharing one media/transport configuration.
type PeerFactory interface {
	NewPeer(handlers PeerHandlers) (Peer, error)
}

// Constraints select which local devices to capture.
type Constraints struct {
	Video bool
	Audio bool
}

// LocalStream is captured local media ready to attach to a peer.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	AudioEnabled() bool
	Stop()
}

// MediaSource acquires local media.
type MediaSource interface {
	Acquire(ctx context.Context, constraints Constraints) (LocalStream, error)
}
