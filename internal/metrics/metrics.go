package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var relayStatuses = []string{"IDLE", "CONNECTING", "SUBSCRIBED", "CLOSED", "TIMED_OUT", "CHANNEL_ERROR"}

var peerStates = []string{"new", "connecting", "connected", "disconnected", "failed", "closed"}

// Collector holds the client's prometheus metrics on a private registry so
// several sessions (and tests) can coexist in one process. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	relayStatus     *prometheus.GaugeVec
	relayReconnects prometheus.Counter
	participants    prometheus.Gauge
	signals         *prometheus.CounterVec
	sendRejected    prometheus.Counter
	selfEchoes      prometheus.Counter
	candidates      *prometheus.CounterVec
	negotiations    *prometheus.CounterVec
	peersCreated    prometheus.Counter
	peerState       *prometheus.GaugeVec
	remoteTracks    *prometheus.CounterVec
}

// NewCollector creates a collector with every metric registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		relayStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_relay_status",
			Help: "Current relay subscription status (1 for the active status)",
		}, []string{"status"}),

		relayReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_relay_reconnects_total",
			Help: "Reconnect attempts made by the signaling channel",
		}),

		participants: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_room_participants",
			Help: "Subscribers on the room topic as last reported by the relay",
		}),

		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_signals_total",
			Help: "Signal messages sent and received, by type",
		}, []string{"direction", "type"}),

		sendRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_signal_send_rejected_total",
			Help: "Sends rejected because the channel was not subscribed",
		}),

		selfEchoes: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_signal_self_echo_total",
			Help: "Inbound signals discarded because they came from this participant",
		}),

		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_remote_candidates_total",
			Help: "Remote ICE candidates by outcome",
		}, []string{"outcome"}),

		negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_negotiations_total",
			Help: "Offer/answer negotiations by step and result",
		}, []string{"step", "result"}),

		peersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_peer_connections_created_total",
			Help: "Peer connections created",
		}),

		peerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_peer_connection_state",
			Help: "Current peer connection state (1 for the active state)",
		}, []string{"state"}),

		remoteTracks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_remote_tracks_total",
			Help: "Remote tracks received, by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) SetRelayStatus(status string) {
	if c == nil {
		return
	}
	for _, s := range relayStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.relayStatus.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) RelayReconnect() {
	if c == nil {
		return
	}
	c.relayReconnects.Inc()
}

// SetParticipants records the room's subscriber count.
func (c *Collector) SetParticipants(n int) {
	if c == nil {
		return
	}
	c.participants.Set(float64(n))
}

func (c *Collector) SignalSent(typ string) {
	if c == nil {
		return
	}
	c.signals.WithLabelValues("tx", typ).Inc()
}

func (c *Collector) SignalReceived(typ string) {
	if c == nil {
		return
	}
	c.signals.WithLabelValues("rx", typ).Inc()
}

func (c *Collector) SendRejected() {
	if c == nil {
		return
	}
	c.sendRejected.Inc()
}

func (c *Collector) SelfEcho() {
	if c == nil {
		return
	}
	c.selfEchoes.Inc()
}

// Candidate records what happened to a remote candidate (applied, queued,
// flushed, dropped, error).
func (c *Collector) Candidate(outcome string) {
	if c == nil {
		return
	}
	c.candidates.WithLabelValues(outcome).Inc()
}

// Negotiation records one negotiation step (offer, answer, remote) and its result.
func (c *Collector) Negotiation(step string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.negotiations.WithLabelValues(step, result).Inc()
}

func (c *Collector) PeerCreated() {
	if c == nil {
		return
	}
	c.peersCreated.Inc()
}

func (c *Collector) SetPeerState(state string) {
	if c == nil {
		return
	}
	for _, s := range peerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.peerState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) RemoteTrack(kind string) {
	if c == nil {
		return
	}
	c.remoteTracks.WithLabelValues(kind).Inc()
}
