package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"livecast/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Peer wraps a pion PeerConnection behind domain.Peer.
type Peer struct {
	pc             *pion.PeerConnection
	logger         *zap.SugaredLogger
	filterLoopback bool
	closed         atomic.Bool
}

func newPeer(api *pion.API, iceServers []pion.ICEServer, handlers domain.PeerHandlers, filterLoopback bool, logger *zap.SugaredLogger) (*Peer, error) {
	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:             pc,
		logger:         logger,
		filterLoopback: filterLoopback,
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.logger.Debugw("ICE gathering complete")
			return
		}
		if p.closed.Load() {
			return
		}

		init := c.ToJSON()
		if p.filterLoopback && isLoopback(init.Candidate) {
			p.logger.Debugw("filtering loopback ICE candidate")
			return
		}

		p.logger.Debugw("local ICE candidate", "candidate", init.Candidate)
		if handlers.OnLocalCandidate != nil {
			handlers.OnLocalCandidate(domain.ICECandidatePayload{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		p.logger.Infow("got track", "kind", track.Kind().String(), "codec", codec.MimeType, "pt", codec.PayloadType)
		if handlers.OnTrack != nil {
			handlers.OnTrack(domain.RemoteTrack{Track: track, Receiver: receiver})
		}
	})

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.logger.Debugw("ICE connection state", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.logger.Infow("peer connection state", "state", state.String())
		if handlers.OnConnectionState != nil {
			handlers.OnConnectionState(state)
		}
	})

	return p, nil
}

// AddLocalStream adds every track of stream to the connection.
func (p *Peer) AddLocalStream(stream domain.LocalStream) error {
	for _, track := range stream.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so the interceptors (NACK responder) run.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.logger.Debugw("local SDP offer set")
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.logger.Debugw("local SDP answer set")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies an offer or answer from the other side.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	typ := pion.NewSDPType(sdp.Type)
	if typ != pion.SDPTypeOffer && typ != pion.SDPTypeAnswer {
		return fmt.Errorf("unsupported remote description type %q", sdp.Type)
	}

	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: sdp.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.logger.Debugw("remote SDP set", "type", sdp.Type)
	return nil
}

// HasRemoteDescription reports whether a remote description has been applied.
func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AddRemoteICECandidate applies a remote candidate. The remote description
// must already be set.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidatePayload) error {
	if !p.HasRemoteDescription() {
		return errors.New("add ice candidate: remote description not set")
	}

	init := pion.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}

	p.logger.Debugw("added remote ICE candidate")
	return nil
}

// ConnectionState returns the aggregate connection state.
func (p *Peer) ConnectionState() pion.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close shuts down the PeerConnection. Local candidates discovered after
// Close are not reported.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
