package engine

import (
	"context"
	"sync"

	"livecast/native/internal/domain"

	"github.com/pion/webrtc/v4"
)

// event is anything the loop processes: an inbound signal, a caller's
// command or a transport callback.
type event interface{}

type signalEvent struct {
	msg domain.Message
}

type commandEvent struct {
	ctx   context.Context
	name  string
	run   func(ctx context.Context) error
	reply chan error
}

// Transport callbacks carry the generation of the peer that raised them.
type localCandidateEvent struct {
	gen       uint64
	candidate domain.ICECandidatePayload
}

type remoteTrackEvent struct {
	gen   uint64
	track domain.RemoteTrack
}

type connectionStateEvent struct {
	gen   uint64
	state webrtc.PeerConnectionState
}

// mailbox is an unbounded FIFO: posting never blocks, so transport and relay
// goroutines can never stall on the loop.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) post(ev event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, ev)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close rejects further posts and returns whatever was still queued.
func (m *mailbox) close() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}
