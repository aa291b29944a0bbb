package relay

import (
	"context"
	"errors"
	"sync"

	"livecast/native/internal/domain"

	"github.com/google/uuid"
)

// ErrInjected is the error reported for subscriptions failed by FailNext.
var ErrInjected = errors.New("relay: injected failure")

// Memory is an in-process relay. Callbacks run synchronously on the caller's
// goroutine, outside any Memory lock, which keeps tests deterministic.
type Memory struct {
	mu         sync.Mutex
	topics     map[string]map[string]*memorySub
	failNext   int
	failStatus domain.ChannelStatus
	sent       int
}

// NewMemory creates an empty in-memory relay.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[string]*memorySub)}
}

type memorySub struct {
	bus        *Memory
	id         string
	topic      string
	receiveOwn bool
	onPresence func(int)
	onStatus   func(domain.ChannelStatus, error)
	onMessage  func(string, []byte)

	mu     sync.Mutex
	closed bool
}

// FailNext makes the next n Subscribe calls report status instead of
// SUBSCRIBED.
func (m *Memory) FailNext(n int, status domain.ChannelStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failStatus = status
}

// Drop disconnects every subscriber on topic, reporting status to each.
func (m *Memory) Drop(topic string, status domain.ChannelStatus) {
	m.mu.Lock()
	subs := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.onStatus(status, errors.New("relay: dropped"))
	}
}

// announce reports the topic's subscriber count to every subscriber that
// asked for presence.
func (m *Memory) announce(topic string) {
	m.mu.Lock()
	count := len(m.topics[topic])
	targets := make([]func(int), 0, count)
	for _, s := range m.topics[topic] {
		if s.onPresence != nil {
			targets = append(targets, s.onPresence)
		}
	}
	m.mu.Unlock()

	for _, fn := range targets {
		fn(count)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Published returns how many frames have been accepted by Send.
func (m *Memory) Published() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// Subscribe registers a subscription and reports its status before returning.
func (m *Memory) Subscribe(topic string, opts domain.SubscribeOptions, onStatus func(domain.ChannelStatus, error), onMessage func(string, []byte)) (domain.Subscription, error) {
	sub := &memorySub{
		bus:        m,
		id:         uuid.NewString(),
		topic:      topic,
		receiveOwn: opts.ReceiveOwn,
		onPresence: opts.OnPresence,
		onStatus:   onStatus,
		onMessage:  onMessage,
	}

	m.mu.Lock()
	if m.failNext > 0 {
		m.failNext--
		status := m.failStatus
		m.mu.Unlock()
		sub.closed = true
		onStatus(status, ErrInjected)
		return sub, nil
	}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]*memorySub)
	}
	m.topics[topic][sub.id] = sub
	m.mu.Unlock()

	onStatus(domain.StatusSubscribed, nil)
	m.announce(topic)
	return sub, nil
}

func (s *memorySub) Send(ctx context.Context, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.ErrChannelClosed
	}

	s.bus.mu.Lock()
	targets := make([]*memorySub, 0, len(s.bus.topics[s.topic]))
	for id, other := range s.bus.topics[s.topic] {
		if id == s.id && !s.receiveOwn {
			continue
		}
		targets = append(targets, other)
	}
	s.bus.sent++
	s.bus.mu.Unlock()

	for _, t := range targets {
		data := make([]byte, len(payload))
		copy(data, payload)
		t.onMessage(event, data)
	}
	return nil
}

func (s *memorySub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.topics[s.topic], s.id)
	if len(s.bus.topics[s.topic]) == 0 {
		delete(s.bus.topics, s.topic)
	}
	s.bus.mu.Unlock()

	s.bus.announce(s.topic)
	return nil
}
