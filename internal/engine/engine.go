// Package engine negotiates the one peer connection between a broadcaster
// and a viewer. All negotiation state lives in a single session record
// owned by the Run loop; relay signals, caller commands and transport
// callbacks reach it as events through one mailbox, in arrival order.
package engine

import (
	"context"
	"fmt"
	"time"

	"livecast/native/internal/domain"
	"livecast/native/internal/metrics"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// BroadcastState is the broadcaster's state machine.
type BroadcastState string

const (
	BroadcastStandby BroadcastState = "STANDBY"
	BroadcastLive    BroadcastState = "LIVE"
)

// ViewerState is the viewer's state machine.
type ViewerState string

const (
	ViewerIdle      ViewerState = "IDLE"
	ViewerRequested ViewerState = "REQUESTED"
	ViewerConnected ViewerState = "CONNECTED"
)

const defaultSendTimeout = 5 * time.Second

// session is the negotiation state. Only the Run loop touches it.
type session struct {
	peer         domain.Peer
	peerGen      uint64
	queue        []domain.ICECandidatePayload
	live         bool
	viewer       ViewerState
	stream       domain.LocalStream
	connState    webrtc.PeerConnectionState
	remoteTracks int
	lastErr      error
}

// Snapshot is a point-in-time view of the engine for status reporting.
type Snapshot struct {
	Role             domain.Role          `json:"role"`
	Identity         domain.ParticipantID `json:"identity"`
	Broadcast        BroadcastState       `json:"broadcast,omitempty"`
	Viewer           ViewerState          `json:"viewer,omitempty"`
	Live             bool                 `json:"live"`
	HasPeer          bool                 `json:"has_peer"`
	PeerGeneration   uint64               `json:"peer_generation"`
	ConnectionState  string               `json:"connection_state"`
	QueuedCandidates int                  `json:"queued_candidates"`
	RemoteTracks     int                  `json:"remote_tracks"`
	LocalMedia       bool                 `json:"local_media"`
	MicEnabled       bool                 `json:"mic_enabled"`
	LastError        string               `json:"last_error,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSendTimeout bounds signal sends that are not tied to a caller's context.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) { e.sendTimeout = d }
}

// OnRemoteTrack publishes each remote track of the current connection. fn
// runs on the loop and must not block.
func OnRemoteTrack(fn func(domain.RemoteTrack)) Option {
	return func(e *Engine) { e.onRemoteTrack = fn }
}

// OnConnectionState reports transport state changes of the current
// connection. fn runs on the loop and must not block.
func OnConnectionState(fn func(webrtc.PeerConnectionState)) Option {
	return func(e *Engine) { e.onConnState = fn }
}

// Engine is the negotiation engine for one participant.
type Engine struct {
	role     domain.Role
	self     domain.ParticipantID
	peers    domain.PeerFactory
	media    domain.MediaSource
	signaler domain.Signaler

	logger        *zap.SugaredLogger
	metrics       *metrics.Collector
	sendTimeout   time.Duration
	onRemoteTrack func(domain.RemoteTrack)
	onConnState   func(webrtc.PeerConnectionState)

	mbox *mailbox
	done chan struct{}

	s session
}

// New creates an engine. Nothing happens until Run is started.
func New(role domain.Role, self domain.ParticipantID, peers domain.PeerFactory, media domain.MediaSource, signaler domain.Signaler, opts ...Option) *Engine {
	e := &Engine{
		role:        role,
		self:        self,
		peers:       peers,
		media:       media,
		signaler:    signaler,
		sendTimeout: defaultSendTimeout,
		mbox:        newMailbox(),
		done:        make(chan struct{}),
		s:           session{viewer: ViewerIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop().Sugar()
	}
	e.logger = e.logger.Named("engine").With("role", string(role))
	return e
}

// Run processes events until ctx is done, then closes the peer connection
// and stops local media. Commands issued after Run returns fail with
// ErrEngineStopped. Run must be called once.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.mbox.ready:
		}
		for _, ev := range e.mbox.drain() {
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) shutdown() {
	for _, ev := range e.mbox.close() {
		if cmd, ok := ev.(commandEvent); ok {
			cmd.reply <- domain.ErrEngineStopped
		}
	}
	e.discardPeer()
	if e.s.stream != nil {
		e.s.stream.Stop()
		e.s.stream = nil
	}
	close(e.done)
	e.logger.Infow("engine stopped")
}

// HandleIncomingSignal queues a relay message for the loop. Messages this
// participant sent are discarded here, before any state is touched.
func (e *Engine) HandleIncomingSignal(msg domain.Message) {
	if msg.Sender == e.self {
		e.metrics.SelfEcho()
		e.logger.Debugw("discarding own signal", "type", msg.Type)
		return
	}
	if !e.mbox.post(signalEvent{msg: msg}) {
		e.logger.Debugw("engine stopped, dropping signal", "type", msg.Type)
	}
}

// AcquireLocalMedia captures the role's local media: video and audio for a
// broadcaster, a muted microphone for a viewer. Failure is reported, and
// the engine carries on without local media.
func (e *Engine) AcquireLocalMedia(ctx context.Context) error {
	return e.do(ctx, "acquire", e.acquireLocalMedia)
}

// StartBroadcast goes live and offers the local stream.
func (e *Engine) StartBroadcast(ctx context.Context) error {
	if e.role != domain.RoleBroadcaster {
		return domain.ErrWrongRole
	}
	return e.do(ctx, "start", func(ctx context.Context) error {
		e.s.live = true
		e.logger.Infow("going live")
		return e.offer(ctx)
	})
}

// StopBroadcast closes the connection and leaves LIVE.
func (e *Engine) StopBroadcast(ctx context.Context) error {
	if e.role != domain.RoleBroadcaster {
		return domain.ErrWrongRole
	}
	return e.do(ctx, "stop", func(context.Context) error {
		e.s.live = false
		e.discardPeer()
		e.logger.Infow("broadcast stopped")
		return nil
	})
}

// RequestToWatch discards any connection and asks the broadcaster for an
// offer. No peer is created until the offer arrives.
func (e *Engine) RequestToWatch(ctx context.Context) error {
	if e.role != domain.RoleViewer {
		return domain.ErrWrongRole
	}
	return e.do(ctx, "watch", func(ctx context.Context) error {
		e.discardPeer()
		e.s.viewer = ViewerIdle
		if err := e.send(ctx, domain.SignalReady, nil); err != nil {
			return err
		}
		e.s.viewer = ViewerRequested
		return nil
	})
}

// SetMicEnabled opens or closes the local audio gate without renegotiating.
func (e *Engine) SetMicEnabled(ctx context.Context, enabled bool) error {
	return e.do(ctx, "mic", func(context.Context) error {
		if e.s.stream == nil {
			return domain.ErrMediaUnavailable
		}
		e.s.stream.SetAudioEnabled(enabled)
		e.logger.Infow("microphone", "enabled", enabled)
		return nil
	})
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, "snapshot", func(context.Context) error {
		snap = e.snapshot()
		return nil
	})
	return snap, err
}

func (e *Engine) snapshot() Snapshot {
	snap := Snapshot{
		Role:             e.role,
		Identity:         e.self,
		Live:             e.s.live,
		HasPeer:          e.s.peer != nil,
		PeerGeneration:   e.s.peerGen,
		QueuedCandidates: len(e.s.queue),
		RemoteTracks:     e.s.remoteTracks,
		LocalMedia:       e.s.stream != nil,
	}
	if e.s.peer != nil {
		snap.ConnectionState = e.s.connState.String()
	}
	if e.s.stream != nil {
		snap.MicEnabled = e.s.stream.AudioEnabled()
	}
	if e.role == domain.RoleBroadcaster {
		snap.Broadcast = BroadcastStandby
		if e.s.live {
			snap.Broadcast = BroadcastLive
		}
	} else {
		snap.Viewer = e.s.viewer
	}
	if e.s.lastErr != nil {
		snap.LastError = e.s.lastErr.Error()
	}
	return snap
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	if !e.mbox.post(commandEvent{ctx: ctx, name: name, run: fn, reply: reply}) {
		return domain.ErrEngineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return domain.ErrEngineStopped
	}
}

func (e *Engine) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case commandEvent:
		if err := ev.ctx.Err(); err != nil {
			ev.reply <- err
			return
		}
		err := ev.run(ev.ctx)
		if err != nil {
			e.s.lastErr = err
			e.logger.Warnw("command failed", "command", ev.name, "error", err)
		}
		ev.reply <- err

	case signalEvent:
		e.handleSignal(ctx, ev.msg)

	case localCandidateEvent:
		if ev.gen != e.s.peerGen || e.s.peer == nil {
			return
		}
		if err := e.send(ctx, domain.SignalCandidate, ev.candidate); err != nil {
			e.logger.Debugw("candidate not sent", "error", err)
		}

	case remoteTrackEvent:
		if ev.gen != e.s.peerGen || e.s.peer == nil {
			return
		}
		e.s.remoteTracks++
		if e.role == domain.RoleViewer {
			e.s.viewer = ViewerConnected
		}
		kind := "unknown"
		if ev.track.Track != nil {
			kind = ev.track.Track.Kind().String()
		}
		e.metrics.RemoteTrack(kind)
		e.logger.Infow("remote track", "kind", kind)
		if e.onRemoteTrack != nil {
			e.onRemoteTrack(ev.track)
		}

	case connectionStateEvent:
		if ev.gen != e.s.peerGen || e.s.peer == nil {
			return
		}
		e.s.connState = ev.state
		e.metrics.SetPeerState(ev.state.String())
		if ev.state == webrtc.PeerConnectionStateFailed {
			e.s.lastErr = fmt.Errorf("peer connection %d failed", ev.gen)
			e.logger.Warnw("peer connection failed; waiting for a new request or broadcast", "gen", ev.gen)
		}
		if e.onConnState != nil {
			e.onConnState(ev.state)
		}
	}
}

func (e *Engine) acquireLocalMedia(ctx context.Context) error {
	if e.s.stream != nil {
		return nil
	}
	stream, err := e.media.Acquire(ctx, e.role.Constraints())
	if err != nil {
		if e.role == domain.RoleBroadcaster {
			e.logger.Warnw("no local media; broadcasting will carry no tracks", "error", err)
		} else {
			e.logger.Warnw("no microphone; talkback unavailable", "error", err)
		}
		return fmt.Errorf("acquire local media: %w", err)
	}
	if e.role == domain.RoleViewer {
		stream.SetAudioEnabled(false)
	}
	e.s.stream = stream
	e.logger.Infow("local media ready", "stream", stream.ID(), "tracks", len(stream.Tracks()))
	return nil
}

// send encodes and publishes a signal. Sends happen on the loop, so they go
// out in negotiation order.
func (e *Engine) send(ctx context.Context, typ domain.SignalType, data any) error {
	msg, err := domain.NewMessage(typ, data, e.self)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	return e.signaler.Send(ctx, msg)
}
