package engine

import (
	"context"
	"fmt"

	"livecast/native/internal/domain"

	"github.com/pion/webrtc/v4"
)

func (e *Engine) handleSignal(ctx context.Context, msg domain.Message) {
	var err error
	switch msg.Type {
	case domain.SignalReady:
		err = e.handleReady(ctx, msg)
	case domain.SignalOffer:
		err = e.handleOffer(ctx, msg)
	case domain.SignalAnswer:
		err = e.handleAnswer(msg)
	case domain.SignalCandidate:
		err = e.handleCandidate(msg)
	default:
		e.logger.Debugw("ignoring unknown signal", "type", msg.Type, "sender", msg.Sender)
	}
	if err != nil {
		e.s.lastErr = err
		e.logger.Warnw("signal handling failed", "type", msg.Type, "sender", msg.Sender, "error", err)
	}
}

// handleReady restarts the offer for a viewer that asked to watch, but only
// while the broadcast is live.
func (e *Engine) handleReady(ctx context.Context, msg domain.Message) error {
	if e.role != domain.RoleBroadcaster {
		return nil
	}
	if !e.s.live {
		e.logger.Infow("viewer ready but not live; ignoring", "viewer", msg.Sender)
		return nil
	}
	e.logger.Infow("viewer ready; restarting stream", "viewer", msg.Sender)
	return e.offer(ctx)
}

// offer replaces the connection with a fresh one carrying the local stream
// and sends its offer.
func (e *Engine) offer(ctx context.Context) error {
	e.discardPeer()
	peer, err := e.newPeer()
	if err != nil {
		return err
	}

	if e.s.stream != nil {
		if err := peer.AddLocalStream(e.s.stream); err != nil {
			return fmt.Errorf("attach local media: %w", err)
		}
	} else {
		e.logger.Warnw("offering without local media")
	}

	sdp, err := peer.CreateOffer()
	e.metrics.Negotiation("offer", err)
	if err != nil {
		return err
	}
	return e.send(ctx, domain.SignalOffer, sdp)
}

func (e *Engine) handleOffer(ctx context.Context, msg domain.Message) error {
	if e.role != domain.RoleViewer {
		return nil
	}
	sdp, err := msg.SDP()
	if err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	e.discardPeer()
	if e.s.viewer == ViewerConnected {
		e.s.viewer = ViewerRequested
	}
	peer, err := e.newPeer()
	if err != nil {
		return err
	}

	if e.s.stream != nil {
		if err := peer.AddLocalStream(e.s.stream); err != nil {
			return fmt.Errorf("attach microphone: %w", err)
		}
	}

	err = peer.SetRemoteDescription(sdp)
	e.metrics.Negotiation("remote_offer", err)
	if err != nil {
		return err
	}

	answer, err := peer.CreateAnswer()
	e.metrics.Negotiation("answer", err)
	if err != nil {
		return err
	}
	if err := e.send(ctx, domain.SignalAnswer, answer); err != nil {
		return err
	}

	e.drainQueue()
	return nil
}

func (e *Engine) handleAnswer(msg domain.Message) error {
	if e.role != domain.RoleBroadcaster {
		return nil
	}
	if e.s.peer == nil {
		e.logger.Infow("answer with no connection; ignoring", "sender", msg.Sender)
		return nil
	}
	sdp, err := msg.SDP()
	if err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	err = e.s.peer.SetRemoteDescription(sdp)
	e.metrics.Negotiation("remote_answer", err)
	if err != nil {
		return err
	}

	e.drainQueue()
	return nil
}

// handleCandidate applies a remote candidate now if the remote description
// is set, queues it otherwise, and drops it when there is no connection.
func (e *Engine) handleCandidate(msg domain.Message) error {
	if e.s.peer == nil {
		e.metrics.Candidate("dropped")
		e.logger.Debugw("candidate with no connection; dropping", "sender", msg.Sender)
		return nil
	}
	c, err := msg.Candidate()
	if err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	if !e.s.peer.HasRemoteDescription() {
		e.s.queue = append(e.s.queue, c)
		e.metrics.Candidate("queued")
		e.logger.Debugw("buffering early candidate", "queued", len(e.s.queue))
		return nil
	}

	if err := e.s.peer.AddRemoteICECandidate(c); err != nil {
		e.metrics.Candidate("error")
		return err
	}
	e.metrics.Candidate("applied")
	return nil
}

// drainQueue applies buffered candidates in arrival order. A candidate
// that fails is logged and skipped.
func (e *Engine) drainQueue() {
	queue := e.s.queue
	e.s.queue = nil
	for _, c := range queue {
		if err := e.s.peer.AddRemoteICECandidate(c); err != nil {
			e.metrics.Candidate("error")
			e.logger.Warnw("buffered candidate rejected", "error", err)
			continue
		}
		e.metrics.Candidate("flushed")
	}
}

// newPeer creates the next-generation connection. Its callbacks post events
// tagged with that generation.
func (e *Engine) newPeer() (domain.Peer, error) {
	e.s.peerGen++
	gen := e.s.peerGen

	peer, err := e.peers.NewPeer(domain.PeerHandlers{
		OnLocalCandidate: func(c domain.ICECandidatePayload) {
			e.mbox.post(localCandidateEvent{gen: gen, candidate: c})
		},
		OnTrack: func(t domain.RemoteTrack) {
			e.mbox.post(remoteTrackEvent{gen: gen, track: t})
		},
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			e.mbox.post(connectionStateEvent{gen: gen, state: s})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}

	e.s.peer = peer
	e.s.connState = webrtc.PeerConnectionStateNew
	e.metrics.PeerCreated()
	e.metrics.SetPeerState(e.s.connState.String())
	e.logger.Debugw("peer created", "gen", gen)
	return peer, nil
}

// discardPeer closes the current connection and clears everything scoped
// to it.
func (e *Engine) discardPeer() {
	e.s.queue = nil
	e.s.remoteTracks = 0
	if e.s.peer == nil {
		return
	}
	if err := e.s.peer.Close(); err != nil {
		e.logger.Debugw("close peer", "gen", e.s.peerGen, "error", err)
	}
	e.s.peer = nil
	e.s.connState = webrtc.PeerConnectionStateClosed
	e.metrics.SetPeerState(e.s.connState.String())
	e.logger.Debugw("peer discarded", "gen", e.s.peerGen)
}
