package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"livecast/native/internal/domain"
	"livecast/native/internal/metrics"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	broadcasterID domain.ParticipantID = "host-aaaaaaaaaaaa"
	viewerID      domain.ParticipantID = "guest-bbbbbbbbbbbb"
)

type harness struct {
	engine  *Engine
	peers   *fakeFactory
	media   *fakeMedia
	sig     *fakeSignaler
	metrics *metrics.Collector
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newHarness(t *testing.T, role domain.Role, opts ...Option) *harness {
	t.Helper()
	self := viewerID
	if role == domain.RoleBroadcaster {
		self = broadcasterID
	}

	h := &harness{
		peers:   &fakeFactory{},
		media:   &fakeMedia{},
		sig:     &fakeSignaler{},
		metrics: metrics.NewCollector(),
		stopped: make(chan struct{}),
	}
	opts = append([]Option{WithMetrics(h.metrics), WithSendTimeout(time.Second)}, opts...)
	h.engine = New(role, self, h.peers, h.media, h.sig, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.stopped)
		_ = h.engine.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.stopped
}

// settle waits until every event posted so far has been processed.
func (h *harness) settle(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.engine.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func signalFrom(t *testing.T, sender domain.ParticipantID, typ domain.SignalType, data any) domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(typ, data, sender)
	require.NoError(t, err)
	return msg
}

func offerFrom(t *testing.T, sdp string) domain.Message {
	return signalFrom(t, broadcasterID, domain.SignalOffer, domain.SDPPayload{Type: "offer", SDP: sdp})
}

func answerFrom(t *testing.T, sdp string) domain.Message {
	return signalFrom(t, viewerID, domain.SignalAnswer, domain.SDPPayload{Type: "answer", SDP: sdp})
}

func candidateFrom(t *testing.T, sender domain.ParticipantID, c string) domain.Message {
	return signalFrom(t, sender, domain.SignalCandidate, domain.ICECandidatePayload{Candidate: c})
}

func sentCandidates(t *testing.T, msgs []domain.Message) []string {
	t.Helper()
	var out []string
	for _, m := range msgs {
		if m.Type != domain.SignalCandidate {
			continue
		}
		c, err := m.Candidate()
		require.NoError(t, err)
		out = append(out, c.Candidate)
	}
	return out
}

func assertMetrics(t *testing.T, m *metrics.Collector, expected string, names ...string) {
	t.Helper()
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), names...))
}

func TestBroadcaster_StartSendsOffer(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	ctx := context.Background()

	require.NoError(t, h.engine.AcquireLocalMedia(ctx))
	assert.Equal(t, []domain.Constraints{{Video: true, Audio: true}}, h.media.constraints)
	require.NoError(t, h.engine.StartBroadcast(ctx))

	require.Equal(t, 1, h.peers.count())
	assert.Equal(t, []string{"local"}, h.peers.last().attached())

	msgs := h.sig.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalOffer, msgs[0].Type)
	assert.Equal(t, broadcasterID, msgs[0].Sender)
	sdp, err := msgs[0].SDP()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPPayload{Type: "offer", SDP: "offer-1"}, sdp)

	snap := h.settle(t)
	assert.Equal(t, BroadcastLive, snap.Broadcast)
	assert.True(t, snap.Live)
	assert.True(t, snap.HasPeer)
	assert.True(t, snap.LocalMedia)
	assert.Equal(t, uint64(1), snap.PeerGeneration)
	assert.Empty(t, snap.Viewer)
}

func TestBroadcaster_OffersWithoutMedia(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	h.media.err = domain.ErrMediaUnavailable
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.AcquireLocalMedia(ctx), domain.ErrMediaUnavailable)

	require.NoError(t, h.engine.StartBroadcast(ctx))
	assert.Empty(t, h.peers.last().attached())
	assert.Equal(t, []domain.SignalType{domain.SignalOffer}, h.sig.types())
}

func TestHandleIncomingSignal_DiscardsOwnMessages(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)

	h.engine.HandleIncomingSignal(signalFrom(t, viewerID, domain.SignalOffer, domain.SDPPayload{Type: "offer", SDP: "echo"}))
	h.engine.HandleIncomingSignal(candidateFrom(t, viewerID, "echo"))
	h.settle(t)

	assert.Zero(t, h.peers.count())
	assert.Empty(t, h.sig.messages())
	assertMetrics(t, h.metrics, `
# HELP livecast_signal_self_echo_total Inbound signals discarded because they came from this participant
# TYPE livecast_signal_self_echo_total counter
livecast_signal_self_echo_total 2
`, "livecast_signal_self_echo_total")
}

func TestBroadcaster_QueuesCandidatesUntilAnswer(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	ctx := context.Background()
	require.NoError(t, h.engine.StartBroadcast(ctx))
	peer := h.peers.last()

	for _, c := range []string{"c1", "c2", "c3"} {
		h.engine.HandleIncomingSignal(candidateFrom(t, viewerID, c))
	}
	snap := h.settle(t)
	assert.Equal(t, 3, snap.QueuedCandidates)
	assert.Empty(t, peer.appliedCandidates())

	h.engine.HandleIncomingSignal(answerFrom(t, "answer-sdp"))
	h.engine.HandleIncomingSignal(candidateFrom(t, viewerID, "c4"))
	snap = h.settle(t)

	assert.Equal(t, "answer-sdp", peer.remoteSDP())
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, peer.appliedCandidates())
	assert.Zero(t, snap.QueuedCandidates)
	assertMetrics(t, h.metrics, `
# HELP livecast_remote_candidates_total Remote ICE candidates by outcome
# TYPE livecast_remote_candidates_total counter
livecast_remote_candidates_total{outcome="applied"} 1
livecast_remote_candidates_total{outcome="flushed"} 3
livecast_remote_candidates_total{outcome="queued"} 3
`, "livecast_remote_candidates_total")
}

func TestBroadcaster_ReadyOnlyWhileLive(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	ctx := context.Background()
	ready := signalFrom(t, viewerID, domain.SignalReady, nil)

	h.engine.HandleIncomingSignal(ready)
	snap := h.settle(t)
	assert.Zero(t, h.peers.count())
	assert.Equal(t, BroadcastStandby, snap.Broadcast)

	require.NoError(t, h.engine.StartBroadcast(ctx))
	h.engine.HandleIncomingSignal(ready)
	h.settle(t)
	require.Equal(t, 2, h.peers.count())
	assert.True(t, h.peers.peer(0).isClosed())
	assert.False(t, h.peers.peer(1).isClosed())
	assert.Equal(t, []domain.SignalType{domain.SignalOffer, domain.SignalOffer}, h.sig.types())

	require.NoError(t, h.engine.StopBroadcast(ctx))
	assert.True(t, h.peers.peer(1).isClosed())

	h.engine.HandleIncomingSignal(ready)
	snap = h.settle(t)
	assert.Equal(t, 2, h.peers.count())
	assert.Equal(t, BroadcastStandby, snap.Broadcast)
	assert.False(t, snap.HasPeer)
}

func TestBroadcaster_StaysLiveWhenOfferCannotBeSent(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	h.sig.setDown(true)

	err := h.engine.StartBroadcast(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotSubscribed)

	snap := h.settle(t)
	assert.True(t, snap.Live)
	assert.Equal(t, BroadcastLive, snap.Broadcast)
	assert.NotEmpty(t, snap.LastError)

	// A later ready from a viewer retries the offer.
	h.sig.setDown(false)
	h.engine.HandleIncomingSignal(signalFrom(t, viewerID, domain.SignalReady, nil))
	h.settle(t)
	assert.Equal(t, []domain.SignalType{domain.SignalOffer}, h.sig.types())
}

func TestBroadcaster_StalePeerEventsIgnored(t *testing.T) {
	var states []webrtc.PeerConnectionState
	h := newHarness(t, domain.RoleBroadcaster, OnConnectionState(func(s webrtc.PeerConnectionState) {
		states = append(states, s)
	}))
	ctx := context.Background()

	require.NoError(t, h.engine.StartBroadcast(ctx))
	require.NoError(t, h.engine.StartBroadcast(ctx))
	old, current := h.peers.peer(0), h.peers.peer(1)
	assert.True(t, old.isClosed())

	old.emitCandidate("stale")
	old.emitTrack()
	old.emitState(webrtc.PeerConnectionStateFailed)
	current.emitCandidate("fresh")
	current.emitState(webrtc.PeerConnectionStateConnected)
	snap := h.settle(t)

	assert.Equal(t, []string{"fresh"}, sentCandidates(t, h.sig.messages()))
	assert.Zero(t, snap.RemoteTracks)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, webrtc.PeerConnectionStateConnected.String(), snap.ConnectionState)
	assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected}, states)
}

func TestBroadcaster_OutboundSignalOrder(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	require.NoError(t, h.engine.StartBroadcast(context.Background()))

	peer := h.peers.last()
	peer.emitCandidate("c1")
	peer.emitCandidate("c2")
	h.settle(t)

	assert.Equal(t, []domain.SignalType{domain.SignalOffer, domain.SignalCandidate, domain.SignalCandidate}, h.sig.types())
	assert.Equal(t, []string{"c1", "c2"}, sentCandidates(t, h.sig.messages()))
}

func TestRoleMismatchedSignalsIgnored(t *testing.T) {
	b := newHarness(t, domain.RoleBroadcaster)
	b.engine.HandleIncomingSignal(signalFrom(t, viewerID, domain.SignalOffer, domain.SDPPayload{Type: "offer", SDP: "y"}))
	b.settle(t)
	assert.Zero(t, b.peers.count())

	v := newHarness(t, domain.RoleViewer)
	v.engine.HandleIncomingSignal(signalFrom(t, broadcasterID, domain.SignalAnswer, domain.SDPPayload{Type: "answer", SDP: "x"}))
	v.engine.HandleIncomingSignal(signalFrom(t, broadcasterID, domain.SignalReady, nil))
	v.settle(t)
	assert.Zero(t, v.peers.count())
	assert.Empty(t, v.sig.messages())
}

func TestBroadcaster_AnswerWithoutPeerIgnored(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	h.engine.HandleIncomingSignal(answerFrom(t, "late"))
	snap := h.settle(t)
	assert.Zero(t, h.peers.count())
	assert.Empty(t, snap.LastError)
}

func TestViewer_RequestToWatch(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)

	require.NoError(t, h.engine.RequestToWatch(context.Background()))

	msgs := h.sig.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalReady, msgs[0].Type)
	assert.JSONEq(t, `{}`, string(msgs[0].Data))

	snap := h.settle(t)
	assert.Equal(t, ViewerRequested, snap.Viewer)
	assert.False(t, snap.HasPeer)
	assert.Zero(t, h.peers.count())
}

func TestViewer_RequestToWatchWhileNotSubscribed(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)
	h.sig.setDown(true)

	err := h.engine.RequestToWatch(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotSubscribed)
	assert.Equal(t, ViewerIdle, h.settle(t).Viewer)

	h.sig.setDown(false)
	require.NoError(t, h.engine.RequestToWatch(context.Background()))
	assert.Equal(t, ViewerRequested, h.settle(t).Viewer)
}

func TestViewer_AnswersOfferAndConnectsOnTrack(t *testing.T) {
	var tracks int
	h := newHarness(t, domain.RoleViewer, OnRemoteTrack(func(domain.RemoteTrack) { tracks++ }))
	ctx := context.Background()

	require.NoError(t, h.engine.AcquireLocalMedia(ctx))
	require.NoError(t, h.engine.RequestToWatch(ctx))

	h.engine.HandleIncomingSignal(offerFrom(t, "offer-sdp"))
	snap := h.settle(t)

	require.Equal(t, 1, h.peers.count())
	peer := h.peers.last()
	assert.Equal(t, "offer-sdp", peer.remoteSDP())
	assert.Equal(t, []string{"local"}, peer.attached())
	assert.Equal(t, []domain.SignalType{domain.SignalReady, domain.SignalAnswer}, h.sig.types())
	assert.Equal(t, ViewerRequested, snap.Viewer)

	answer, err := h.sig.messages()[1].SDP()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	peer.emitTrack()
	peer.emitTrack()
	snap = h.settle(t)
	assert.Equal(t, ViewerConnected, snap.Viewer)
	assert.Equal(t, 2, snap.RemoteTracks)
	assert.Equal(t, 2, tracks)
}

func TestViewer_CandidateWithoutPeerDropped(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)

	h.engine.HandleIncomingSignal(candidateFrom(t, broadcasterID, "early"))
	snap := h.settle(t)

	assert.Zero(t, h.peers.count())
	assert.Zero(t, snap.QueuedCandidates)
	assertMetrics(t, h.metrics, `
# HELP livecast_remote_candidates_total Remote ICE candidates by outcome
# TYPE livecast_remote_candidates_total counter
livecast_remote_candidates_total{outcome="dropped"} 1
`, "livecast_remote_candidates_total")
}

func TestViewer_CandidatesAfterOfferApplied(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)

	h.engine.HandleIncomingSignal(offerFrom(t, "offer-sdp"))
	h.engine.HandleIncomingSignal(candidateFrom(t, broadcasterID, "c1"))
	h.engine.HandleIncomingSignal(candidateFrom(t, broadcasterID, "c2"))
	snap := h.settle(t)

	assert.Equal(t, []string{"c1", "c2"}, h.peers.last().appliedCandidates())
	assert.Zero(t, snap.QueuedCandidates)
}

func TestViewer_NewOfferReplacesConnection(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)
	ctx := context.Background()
	require.NoError(t, h.engine.RequestToWatch(ctx))

	h.engine.HandleIncomingSignal(offerFrom(t, "first"))
	h.settle(t)
	first := h.peers.last()
	first.emitTrack()
	assert.Equal(t, ViewerConnected, h.settle(t).Viewer)

	h.engine.HandleIncomingSignal(offerFrom(t, "second"))
	snap := h.settle(t)

	require.Equal(t, 2, h.peers.count())
	assert.True(t, first.isClosed())
	assert.Equal(t, "second", h.peers.last().remoteSDP())
	assert.Equal(t, ViewerRequested, snap.Viewer)
	assert.Zero(t, snap.RemoteTracks)
	assert.Equal(t, uint64(2), snap.PeerGeneration)
}

func TestViewer_RequestToWatchDiscardsConnection(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)
	ctx := context.Background()

	h.engine.HandleIncomingSignal(offerFrom(t, "first"))
	h.settle(t)
	require.NoError(t, h.engine.RequestToWatch(ctx))

	assert.True(t, h.peers.last().isClosed())
	snap := h.settle(t)
	assert.False(t, snap.HasPeer)
	assert.Equal(t, ViewerRequested, snap.Viewer)
}

func TestViewer_MalformedOfferRecorded(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)

	h.engine.HandleIncomingSignal(domain.Message{
		Type:   domain.SignalOffer,
		Data:   json.RawMessage(`"not an sdp"`),
		Sender: broadcasterID,
	})
	snap := h.settle(t)

	assert.Zero(t, h.peers.count())
	assert.Contains(t, snap.LastError, "decode offer")
}

func TestViewer_MicrophoneToggle(t *testing.T) {
	h := newHarness(t, domain.RoleViewer)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.SetMicEnabled(ctx, true), domain.ErrMediaUnavailable)

	require.NoError(t, h.engine.AcquireLocalMedia(ctx))
	assert.Equal(t, []domain.Constraints{{Audio: true}}, h.media.constraints)
	snap := h.settle(t)
	assert.True(t, snap.LocalMedia)
	assert.False(t, snap.MicEnabled)

	h.engine.HandleIncomingSignal(offerFrom(t, "offer-sdp"))
	h.settle(t)

	require.NoError(t, h.engine.SetMicEnabled(ctx, true))
	assert.True(t, h.media.stream.AudioEnabled())
	assert.True(t, h.settle(t).MicEnabled)

	require.NoError(t, h.engine.SetMicEnabled(ctx, false))
	assert.False(t, h.media.stream.AudioEnabled())

	assert.Equal(t, 1, h.peers.count())
	assert.Equal(t, []domain.SignalType{domain.SignalAnswer}, h.sig.types())
}

func TestWrongRoleCommands(t *testing.T) {
	ctx := context.Background()

	v := newHarness(t, domain.RoleViewer)
	assert.ErrorIs(t, v.engine.StartBroadcast(ctx), domain.ErrWrongRole)
	assert.ErrorIs(t, v.engine.StopBroadcast(ctx), domain.ErrWrongRole)

	b := newHarness(t, domain.RoleBroadcaster)
	assert.ErrorIs(t, b.engine.RequestToWatch(ctx), domain.ErrWrongRole)
}

func TestConnectionFailureIsRecordedNotRenegotiated(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	require.NoError(t, h.engine.StartBroadcast(context.Background()))

	h.peers.last().emitState(webrtc.PeerConnectionStateFailed)
	snap := h.settle(t)

	assert.Equal(t, 1, h.peers.count())
	assert.Equal(t, webrtc.PeerConnectionStateFailed.String(), snap.ConnectionState)
	assert.Contains(t, snap.LastError, "failed")
	assert.Equal(t, []domain.SignalType{domain.SignalOffer}, h.sig.types())
}

func TestRun_StopReleasesResources(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	ctx := context.Background()

	require.NoError(t, h.engine.AcquireLocalMedia(ctx))
	require.NoError(t, h.engine.StartBroadcast(ctx))
	peer := h.peers.last()

	h.stop()

	assert.True(t, peer.isClosed())
	assert.True(t, h.media.stream.stopped.Load())
	assert.ErrorIs(t, h.engine.StartBroadcast(ctx), domain.ErrEngineStopped)
	_, err := h.engine.Snapshot(ctx)
	assert.ErrorIs(t, err, domain.ErrEngineStopped)

	// Signals after shutdown are dropped quietly.
	h.engine.HandleIncomingSignal(answerFrom(t, "late"))
}

func TestCommand_CanceledContext(t *testing.T) {
	h := newHarness(t, domain.RoleBroadcaster)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.engine.StartBroadcast(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.settle(t).Live)
}
