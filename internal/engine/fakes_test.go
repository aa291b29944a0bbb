package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"livecast/native/internal/domain"

	"github.com/pion/webrtc/v4"
)

type fakePeer struct {
	id       int
	handlers domain.PeerHandlers

	mu        sync.Mutex
	streams   []string
	remote    *domain.SDPPayload
	applied   []string
	closed    bool
	remoteErr error
}

func (p *fakePeer) AddLocalStream(s domain.LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s.ID())
	return nil
}

func (p *fakePeer) CreateOffer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "offer", SDP: fmt.Sprintf("offer-%d", p.id)}, nil
}

func (p *fakePeer) CreateAnswer() (domain.SDPPayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return domain.SDPPayload{}, errors.New("answer before remote offer")
	}
	return domain.SDPPayload{Type: "answer", SDP: fmt.Sprintf("answer-%d", p.id)}, nil
}

func (p *fakePeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &sdp
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddRemoteICECandidate(c domain.ICECandidatePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("candidate before remote description")
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) attached() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.streams...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

// emitCandidate simulates the transport discovering a local candidate.
func (p *fakePeer) emitCandidate(c string) {
	p.handlers.OnLocalCandidate(domain.ICECandidatePayload{Candidate: c})
}

func (p *fakePeer) emitTrack() {
	p.handlers.OnTrack(domain.RemoteTrack{})
}

func (p *fakePeer) emitState(s webrtc.PeerConnectionState) {
	p.handlers.OnConnectionState(s)
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakeFactory) NewPeer(h domain.PeerHandlers) (domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{id: len(f.peers) + 1, handlers: h}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) peer(i int) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

// fakeSignaler records sent messages; while down it rejects them like an
// unsubscribed channel.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.Message
	down bool
}

func (s *fakeSignaler) Send(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return domain.ErrNotSubscribed
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *fakeSignaler) types() []domain.SignalType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SignalType, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Type)
	}
	return out
}

func (s *fakeSignaler) messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.sent...)
}

type fakeStream struct {
	id      string
	audio   atomic.Bool
	stopped atomic.Bool
}

func (s *fakeStream) ID() string                  { return s.id }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (s *fakeStream) SetAudioEnabled(e bool)      { s.audio.Store(e) }
func (s *fakeStream) AudioEnabled() bool          { return s.audio.Load() }
func (s *fakeStream) Stop()                       { s.stopped.Store(true) }

type fakeMedia struct {
	mu          sync.Mutex
	err         error
	stream      *fakeStream
	constraints []domain.Constraints
}

func (m *fakeMedia) Acquire(_ context.Context, c domain.Constraints) (domain.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = append(m.constraints, c)
	if m.err != nil {
		return nil, m.err
	}
	m.stream = &fakeStream{id: "local"}
	m.stream.audio.Store(true)
	return m.stream, nil
}
