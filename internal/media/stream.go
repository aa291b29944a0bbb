package media

import (
	"context"
	"sync"
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"
)

// Stream is a set of local tracks sharing one stream id. Its audio gate
// mirrors a browser track's enabled flag: a disabled microphone keeps
// sending, but only silence.
type Stream struct {
	id     string
	tracks []pion.TrackLocal

	audioEnabled atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newStream(id string) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{id: id, ctx: ctx, cancel: cancel}
	s.audioEnabled.Store(true)
	return s
}

func (s *Stream) add(track pion.TrackLocal) {
	s.tracks = append(s.tracks, track)
}

func (s *Stream) run(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Stream) ID() string { return s.id }

// Tracks returns the stream's tracks, video first.
func (s *Stream) Tracks() []pion.TrackLocal {
	return append([]pion.TrackLocal(nil), s.tracks...)
}

func (s *Stream) SetAudioEnabled(enabled bool) { s.audioEnabled.Store(enabled) }

func (s *Stream) AudioEnabled() bool { return s.audioEnabled.Load() }

// Stop ends every pump and waits for them. It is idempotent.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}
