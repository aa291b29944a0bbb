// Package webrtc wraps pion peer connections for the negotiation engine and
// records remote media to disk.
package webrtc

import (
	"fmt"

	"livecast/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	pion "github.com/pion/webrtc/v4"
)

// APIConfig controls the media engine and ICE transport shared by every peer.
type APIConfig struct {
	// PortMin and PortMax restrict ICE host candidates to a UDP port range
	// when both are set.
	PortMin uint16
	PortMax uint16

	// Net replaces the OS network, used to run peers on a virtual router.
	Net *vnet.Net

	LoggerFactory logging.LoggerFactory
}

// NewAPI builds a pion API with the default codecs (VP8, H264, Opus, ...),
// NACK generation/response and periodic PLI for received video.
func NewAPI(cfg APIConfig) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	se := pion.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	), nil
}

func toPionICEServers(servers []domain.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
