package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"livecast/native/internal/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// WebSocket is a relay client for the hub served by cmd/relayd. Each
// subscription is its own connection to <baseURL>/<topic>.
type WebSocket struct {
	baseURL          string
	subscribeTimeout time.Duration
	pingInterval     time.Duration
	dialer           *websocket.Dialer
	logger           *zap.SugaredLogger
}

// NewWebSocket creates a websocket relay client for the hub at baseURL
// (for example ws://localhost:8090/ws).
func NewWebSocket(baseURL string, subscribeTimeout, pingInterval time.Duration, logger *zap.SugaredLogger) *WebSocket {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &WebSocket{
		baseURL:          strings.TrimRight(baseURL, "/"),
		subscribeTimeout: subscribeTimeout,
		pingInterval:     pingInterval,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: subscribeTimeout,
		},
		logger: logger.Named("relay"),
	}
}

type wsSub struct {
	relay      *WebSocket
	topic      string
	onPresence func(int)

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *WebSocket) topicURL(topic string, receiveOwn bool) (string, error) {
	u, err := url.Parse(w.baseURL + "/" + url.PathEscape(topic))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("self", strconv.FormatBool(receiveOwn))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the hub in the background and reports SUBSCRIBED once the
// hub confirms registration on the topic.
func (w *WebSocket) Subscribe(topic string, opts domain.SubscribeOptions, onStatus func(domain.ChannelStatus, error), onMessage func(string, []byte)) (domain.Subscription, error) {
	target, err := w.topicURL(topic, opts.ReceiveOwn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &wsSub{relay: w, topic: topic, onPresence: opts.OnPresence, ctx: ctx, cancel: cancel}
	go sub.run(target, onStatus, onMessage)
	return sub, nil
}

func (s *wsSub) run(target string, onStatus func(domain.ChannelStatus, error), onMessage func(string, []byte)) {
	log := s.relay.logger
	log.Debugw("connecting", "url", target)

	conn, _, err := s.relay.dialer.DialContext(s.ctx, target, nil)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.Warnw("dial failed", "topic", s.topic, "error", err)
		onStatus(dialStatus(err), err)
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	pongWait := 2 * s.relay.pingInterval
	conn.SetReadDeadline(time.Now().Add(s.relay.subscribeTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	subscribed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			status := readStatus(err, subscribed)
			log.Warnw("relay connection lost", "topic", s.topic, "status", status, "error", err)
			onStatus(status, err)
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			log.Warnw("failed to decode relay frame", "topic", s.topic, "error", err)
			continue
		}

		if env.Event == controlSubscribed {
			if !subscribed {
				subscribed = true
				conn.SetReadDeadline(time.Now().Add(pongWait))
				go s.pingLoop(conn)
				onStatus(domain.StatusSubscribed, nil)
			}
			continue
		}
		if env.Event == controlPresence {
			var p presencePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				log.Warnw("failed to decode presence", "topic", s.topic, "error", err)
				continue
			}
			if s.onPresence != nil {
				s.onPresence(p.Count)
			}
			continue
		}
		onMessage(env.Event, env.Payload)
	}
}

func (s *wsSub) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.relay.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *wsSub) Send(ctx context.Context, event string, payload []byte) error {
	data, err := encodeEnvelope(event, "", payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.ctx.Err() != nil {
		return domain.ErrChannelClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (s *wsSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil
	}
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	s.cancel()
	return nil
}

func dialStatus(err error) domain.ChannelStatus {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.StatusTimedOut
	}
	return domain.StatusChannelError
}

func readStatus(err error, subscribed bool) domain.ChannelStatus {
	var netErr net.Error
	switch {
	case !subscribed && errors.As(err, &netErr) && netErr.Timeout():
		return domain.StatusTimedOut
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return domain.StatusClosed
	default:
		return domain.StatusChannelError
	}
}
