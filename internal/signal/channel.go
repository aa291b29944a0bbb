// Package signal maintains the room's signaling subscription on the relay:
// it reconnects after failures, gates sends on the subscription status and
// hands every inbound message to one consumer.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"livecast/native/internal/domain"
	"livecast/native/internal/metrics"
	"livecast/native/internal/relay"

	"go.uber.org/zap"
)

const (
	DefaultRetryDelay  = 3 * time.Second
	DefaultHistorySize = 100
)

// HistoryEntry is one sent or received signal in the debug log.
type HistoryEntry struct {
	At        time.Time            `json:"at"`
	Direction string               `json:"direction"`
	Type      domain.SignalType    `json:"type"`
	Sender    domain.ParticipantID `json:"sender,omitempty"`
}

// Option configures a Channel.
type Option func(*Channel)

// WithRetryDelay sets the fixed delay before a reconnect attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Channel) { c.retryDelay = d }
}

// WithLogger sets the logger; the channel names it "signal".
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithMetrics records relay status and signal counts on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithHistorySize bounds the debug history; zero disables it.
func WithHistorySize(n int) Option {
	return func(c *Channel) { c.historySize = n }
}

// Channel is the signaling subscription for one room. It is safe for
// concurrent use; callbacks are never invoked while its lock is held.
type Channel struct {
	relay       domain.Relay
	retryDelay  time.Duration
	historySize int
	logger      *zap.SugaredLogger
	metrics     *metrics.Collector

	mu        sync.Mutex
	active    bool
	room      string
	deliver   func(domain.Message)
	gen       uint64
	status    domain.ChannelStatus
	sub       domain.Subscription
	early     bool
	retry     *time.Timer
	watchers  map[int]func(domain.ChannelStatus)
	nextWatch int
	history   []HistoryEntry
	presence  int
}

// New creates an idle channel over r. Call Connect to subscribe.
func New(r domain.Relay, opts ...Option) *Channel {
	c := &Channel{
		relay:       r,
		retryDelay:  DefaultRetryDelay,
		historySize: DefaultHistorySize,
		status:      domain.StatusIdle,
		watchers:    make(map[int]func(domain.ChannelStatus)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	c.logger = c.logger.Named("signal")
	return c
}

// Connect tears down any previous subscription and subscribes to the room's
// topic. onMessage receives every inbound signal message exactly once,
// including ones this participant sent if the relay echoes them.
func (c *Channel) Connect(room string, onMessage func(domain.Message)) error {
	c.mu.Lock()
	old := c.detachLocked()
	c.active = true
	c.room = room
	c.deliver = onMessage
	gen := c.gen
	c.mu.Unlock()

	closeSub(old)
	c.logger.Infow("connecting", "room", room, "topic", relay.TopicFor(room))
	return c.subscribe(gen)
}

// Teardown unsubscribes and cancels any pending reconnect. It is idempotent.
func (c *Channel) Teardown() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	old := c.detachLocked()
	c.status = domain.StatusClosed
	watchers := c.watchersLocked()
	c.mu.Unlock()

	closeSub(old)
	c.metrics.SetRelayStatus(string(domain.StatusClosed))
	c.metrics.SetParticipants(0)
	c.logger.Infow("torn down")
	notify(watchers, domain.StatusClosed)
}

// Send publishes msg on the room topic. It fails with ErrNotSubscribed unless
// the subscription is live; the message is not queued.
func (c *Channel) Send(ctx context.Context, msg domain.Message) error {
	c.mu.Lock()
	status, sub := c.status, c.sub
	c.mu.Unlock()

	if status != domain.StatusSubscribed || sub == nil {
		c.metrics.SendRejected()
		c.logger.Warnw("send rejected", "type", msg.Type, "status", status)
		return domain.ErrNotSubscribed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := sub.Send(ctx, domain.EventSignal, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}

	c.logger.Debugw(">>> signal", "type", msg.Type)
	c.metrics.SignalSent(string(msg.Type))
	c.record("tx", msg)
	return nil
}

// Status returns the current subscription status.
func (c *Channel) Status() domain.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Room returns the room passed to the last Connect.
func (c *Channel) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Participants returns the subscriber count the relay last reported for the
// room, this participant included. It is zero until the relay reports one.
func (c *Channel) Participants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// Watch calls fn with the current status and then on every change until the
// returned cancel func is called.
func (c *Channel) Watch(fn func(domain.ChannelStatus)) (cancel func()) {
	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	current := c.status
	c.mu.Unlock()

	fn(current)
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// History returns a copy of the recent signal log, oldest first.
func (c *Channel) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HistoryEntry(nil), c.history...)
}

func (c *Channel) subscribe(gen uint64) error {
	c.setStatus(gen, domain.StatusConnecting, nil)

	c.mu.Lock()
	topic := relay.TopicFor(c.room)
	c.mu.Unlock()

	opts := domain.SubscribeOptions{
		OnPresence: func(n int) { c.setPresence(gen, n) },
	}
	sub, err := c.relay.Subscribe(topic, opts,
		func(s domain.ChannelStatus, err error) { c.setStatus(gen, s, err) },
		func(event string, payload []byte) { c.handleFrame(gen, event, payload) },
	)
	if err != nil {
		c.setStatus(gen, domain.StatusChannelError, err)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		closeSub(sub)
		return nil
	}
	c.sub = sub
	early := c.early
	c.early = false
	c.mu.Unlock()

	if early {
		c.setStatus(gen, domain.StatusSubscribed, nil)
	}
	return nil
}

func (c *Channel) setStatus(gen uint64, status domain.ChannelStatus, cause error) {
	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}
	// A relay may confirm before Subscribe has returned the handle; hold
	// SUBSCRIBED back until Send has something to send on.
	if status == domain.StatusSubscribed && c.sub == nil {
		c.early = true
		c.mu.Unlock()
		return
	}
	c.early = false
	c.status = status
	switch {
	case status == domain.StatusSubscribed:
		c.stopRetryLocked()
	case status.Failed() && c.retry == nil:
		c.retry = time.AfterFunc(c.retryDelay, func() { c.reconnect(gen) })
	}
	watchers := c.watchersLocked()
	c.mu.Unlock()

	c.metrics.SetRelayStatus(string(status))
	if status.Failed() {
		c.logger.Warnw("subscription failed, retrying", "status", status, "delay", c.retryDelay, "error", cause)
	} else {
		c.logger.Infow("status", "status", status)
	}
	notify(watchers, status)
}

func (c *Channel) setPresence(gen uint64, n int) {
	c.mu.Lock()
	if gen != c.gen || !c.active || n == c.presence {
		c.mu.Unlock()
		return
	}
	c.presence = n
	room := c.room
	c.mu.Unlock()

	c.metrics.SetParticipants(n)
	c.logger.Infow("presence update", "room", room, "participants", n)
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	old := c.detachLocked()
	next := c.gen
	c.mu.Unlock()

	closeSub(old)
	c.metrics.RelayReconnect()
	c.logger.Infow("reconnecting")
	if err := c.subscribe(next); err != nil {
		c.logger.Warnw("reconnect failed", "error", err)
	}
}

func (c *Channel) handleFrame(gen uint64, event string, payload []byte) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	deliver := c.deliver
	c.mu.Unlock()

	if event != domain.EventSignal {
		c.logger.Debugw("ignoring relay event", "event", event)
		return
	}

	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warnw("unmarshal signal", "error", err)
		return
	}

	c.logger.Debugw("<<< signal", "type", msg.Type, "sender", msg.Sender)
	c.metrics.SignalReceived(string(msg.Type))
	c.record("rx", msg)
	if deliver != nil {
		deliver(msg)
	}
}

func (c *Channel) record(direction string, msg domain.Message) {
	if c.historySize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, HistoryEntry{
		At:        time.Now(),
		Direction: direction,
		Type:      msg.Type,
		Sender:    msg.Sender,
	})
	if over := len(c.history) - c.historySize; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
}

// detachLocked invalidates the current generation and returns the
// subscription the caller must close after unlocking.
func (c *Channel) detachLocked() domain.Subscription {
	c.stopRetryLocked()
	c.gen++
	c.early = false
	c.presence = 0
	old := c.sub
	c.sub = nil
	return old
}

func (c *Channel) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Channel) watchersLocked() []func(domain.ChannelStatus) {
	out := make([]func(domain.ChannelStatus), 0, len(c.watchers))
	for _, fn := range c.watchers {
		out = append(out, fn)
	}
	return out
}

func notify(watchers []func(domain.ChannelStatus), status domain.ChannelStatus) {
	for _, fn := range watchers {
		fn(status)
	}
}

func closeSub(sub domain.Subscription) {
	if sub != nil {
		sub.Close()
	}
}
