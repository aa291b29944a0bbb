// Package relay implements the topic-scoped publish/subscribe primitive that
// signaling rides on: Redis pub/sub, a websocket hub client, and an
// in-memory bus for tests and single-process loopback.
package relay

import (
	"encoding/json"
	"fmt"
)

// TopicFor returns the relay topic a room's signaling traffic uses.
func TopicFor(room string) string {
	return "room:" + room
}

// controlSubscribed is sent by the websocket hub once a client is registered
// on its topic; it never reaches subscribers' message callbacks.
const controlSubscribed = "relay.subscribed"

// controlPresence carries the topic's subscriber count from the hub to its
// clients as {"count": N}.
const controlPresence = "relay.presence"

type presencePayload struct {
	Count int `json:"count"`
}

func isControl(event string) bool {
	return event == controlSubscribed || event == controlPresence
}

// envelope is the wire frame every networked backend publishes.
type envelope struct {
	Event   string          `json:"event"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(event, origin string, payload []byte) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("relay payload for event %q is not valid JSON", event)
	}
	return json.Marshal(envelope{Event: event, Origin: origin, Payload: payload})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	if env.Event == "" {
		return envelope{}, fmt.Errorf("relay frame has no event")
	}
	return env, nil
}
