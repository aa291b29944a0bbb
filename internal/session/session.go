// Package session joins a room: it subscribes the signaling channel, runs the
// negotiation engine and routes control commands to it.
package session

import (
	"context"
	"errors"
	"sync"

	"livecast/native/internal/domain"
	"livecast/native/internal/engine"
	"livecast/native/internal/signal"

	"go.uber.org/zap"
)

// Errors returned by session commands.
var (
	ErrAlreadyJoined = errors.New("session already joined")
	ErrNotJoined     = errors.New("session not joined")
)

// Status is everything the control surface reports about a session.
type Status struct {
	Room         string                `json:"room"`
	Relay        domain.ChannelStatus  `json:"relay"`
	Participants int                   `json:"participants"`
	Engine       engine.Snapshot       `json:"engine"`
	History      []signal.HistoryEntry `json:"history"`
}

// Session ties one signaling channel to one engine. A session is joined at
// most once; after Leave it stays closed.
type Session struct {
	room    string
	channel *signal.Channel
	engine  *engine.Engine
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	state  int
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	stateNew = iota
	stateJoined
	stateLeft
)

// New creates a session for room. The channel must feed no other consumer.
func New(room string, ch *signal.Channel, eng *engine.Engine, logger *zap.SugaredLogger) *Session {
	return &Session{
		room:    room,
		channel: ch,
		engine:  eng,
		logger:  logger.Named("session").With("room", room),
	}
}

// Join starts the engine, acquires local media and then subscribes to the
// room, so no offer can be answered before the local stream exists. Relay
// and media failures are logged, not returned: the channel keeps retrying on
// its own and the engine runs without local media.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.state, s.cancel, s.done = stateJoined, cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorw("engine stopped", "error", err)
		}
	}()

	if err := s.engine.AcquireLocalMedia(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.Leave()
			return err
		}
		s.logger.Warnw("continuing without local media", "error", err)
	}

	if err := s.channel.Connect(s.room, s.engine.HandleIncomingSignal); err != nil {
		s.logger.Warnw("initial subscribe failed; retrying in background", "error", err)
	}

	s.logger.Infow("joined")
	return nil
}

// Leave unsubscribes, stops the engine and waits for it to release its
// connection and media. It is idempotent.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.state != stateJoined {
		s.state = stateLeft
		s.mu.Unlock()
		return
	}
	s.state = stateLeft
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.channel.Teardown()
	cancel()
	<-done
	s.logger.Infow("left")
}

func (s *Session) joined() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateJoined {
		return ErrNotJoined
	}
	return nil
}

// StartBroadcast goes live and offers to the room. Broadcaster only.
func (s *Session) StartBroadcast(ctx context.Context) error {
	if err := s.joined(); err != nil {
		return err
	}
	return s.engine.StartBroadcast(ctx)
}

// StopBroadcast closes the connection and returns to standby.
func (s *Session) StopBroadcast(ctx context.Context) error {
	if err := s.joined(); err != nil {
		return err
	}
	return s.engine.StopBroadcast(ctx)
}

// RequestToWatch drops any current connection and announces the viewer as
// ready. Viewer only.
func (s *Session) RequestToWatch(ctx context.Context) error {
	if err := s.joined(); err != nil {
		return err
	}
	return s.engine.RequestToWatch(ctx)
}

// SetMicEnabled gates the local audio track.
func (s *Session) SetMicEnabled(ctx context.Context, enabled bool) error {
	if err := s.joined(); err != nil {
		return err
	}
	return s.engine.SetMicEnabled(ctx, enabled)
}

// Status reports the relay status and room presence, the engine snapshot and
// the signal history.
func (s *Session) Status(ctx context.Context) (Status, error) {
	if err := s.joined(); err != nil {
		return Status{}, err
	}
	snap, err := s.engine.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Room:         s.room,
		Relay:        s.channel.Status(),
		Participants: s.channel.Participants(),
		Engine:       snap,
		History:      s.channel.History(),
	}, nil
}
