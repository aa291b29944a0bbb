package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	hubPongWait   = 60 * time.Second
	hubPingPeriod = (hubPongWait * 9) / 10
	hubSendBuffer = 256
	hubMaxFrame   = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub is the websocket relay server: it fans every frame a client publishes
// out to the other clients on the same topic. It keeps nothing beyond live
// connections.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*hubClient
	logger *zap.SugaredLogger
}

type hubClient struct {
	id    string
	topic string
	self  bool
	conn  *websocket.Conn
	send  chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		topics: make(map[string]map[string]*hubClient),
		logger: logger.Named("hub"),
	}
}

// Register mounts the hub's routes.
func (h *Hub) Register(r gin.IRoutes) {
	// Topics are opaque and may contain slashes.
	r.GET("/ws/*topic", h.handleSubscribe)
	r.GET("/topics", h.handleTopics)
}

// Topics returns the number of connected clients per topic.
func (h *Hub) Topics() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int, len(h.topics))
	for topic, clients := range h.topics {
		out[topic] = len(clients)
	}
	return out
}

// Close disconnects every client with a going-away close frame.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	for _, clients := range h.topics {
		for _, client := range clients {
			client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			client.conn.Close()
		}
	}
}

func (h *Hub) handleTopics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"topics": h.Topics()})
}

func (h *Hub) handleSubscribe(c *gin.Context) {
	topic := strings.TrimPrefix(c.Param("topic"), "/")
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}
	self, _ := strconv.ParseBool(c.DefaultQuery("self", "false"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("failed to upgrade connection", "error", err)
		return
	}

	client := &hubClient{
		id:    uuid.NewString(),
		topic: topic,
		self:  self,
		conn:  conn,
		send:  make(chan []byte, hubSendBuffer),
	}
	h.add(client)
	h.logger.Infow("client subscribed", "topic", topic, "client", client.id, "self", self)

	ack, _ := encodeEnvelope(controlSubscribed, client.id, []byte("{}"))
	client.send <- ack
	h.announce(topic)

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) add(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[client.topic] == nil {
		h.topics[client.topic] = make(map[string]*hubClient)
	}
	h.topics[client.topic][client.id] = client
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.topics[client.topic]
	if !ok {
		return
	}
	if _, ok := clients[client.id]; !ok {
		return
	}
	delete(clients, client.id)
	close(client.send)
	if len(clients) == 0 {
		delete(h.topics, client.topic)
	}
}

// announce sends the topic's current client count to every client on it.
func (h *Hub) announce(topic string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.topics[topic]
	payload, _ := json.Marshal(presencePayload{Count: len(clients)})
	frame, err := encodeEnvelope(controlPresence, "", payload)
	if err != nil {
		return
	}
	for id, client := range clients {
		select {
		case client.send <- frame:
		default:
			h.logger.Warnw("dropping presence, client buffer full", "topic", topic, "client", id)
		}
	}
}

func (h *Hub) broadcast(from *hubClient, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, client := range h.topics[from.topic] {
		if id == from.id && !from.self {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warnw("dropping frame, client buffer full", "topic", from.topic, "client", id)
		}
	}
}

func (h *Hub) readPump(client *hubClient) {
	defer func() {
		h.remove(client)
		h.announce(client.topic)
		client.conn.Close()
		h.logger.Infow("client left", "topic", client.topic, "client", client.id)
	}()

	client.conn.SetReadLimit(hubMaxFrame)
	client.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warnw("websocket error", "client", client.id, "error", err)
			}
			return
		}
		// Any client read proves liveness, not only pongs.
		client.conn.SetReadDeadline(time.Now().Add(hubPongWait))

		env, err := decodeEnvelope(data)
		if err != nil {
			h.logger.Warnw("failed to parse frame", "client", client.id, "error", err)
			continue
		}
		if isControl(env.Event) {
			continue
		}

		out, err := encodeEnvelope(env.Event, client.id, env.Payload)
		if err != nil {
			h.logger.Warnw("failed to re-encode frame", "client", client.id, "error", err)
			continue
		}
		h.broadcast(client, out)
	}
}

func (h *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warnw("failed to write frame", "client", client.id, "error", err)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
