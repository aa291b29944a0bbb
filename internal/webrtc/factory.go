package webrtc

import (
	"livecast/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Factory builds peers that share one API and ICE server list.
type Factory struct {
	api            *pion.API
	iceServers     []pion.ICEServer
	filterLoopback bool
	logger         *zap.SugaredLogger
}

// NewFactory creates a peer factory. With filterLoopback set, loopback host
// candidates are never signaled.
func NewFactory(api *pion.API, iceServers []domain.ICEServer, filterLoopback bool, logger *zap.SugaredLogger) *Factory {
	return &Factory{
		api:            api,
		iceServers:     toPionICEServers(iceServers),
		filterLoopback: filterLoopback,
		logger:         logger.Named("webrtc"),
	}
}

// NewPeer creates a peer with handlers registered before any negotiation.
func (f *Factory) NewPeer(handlers domain.PeerHandlers) (domain.Peer, error) {
	return newPeer(f.api, f.iceServers, handlers, f.filterLoopback, f.logger)
}
