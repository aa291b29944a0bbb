package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"livecast/native/internal/domain"
)

const envICEServersJSON = "LIVECAST_ICE_SERVERS_JSON"

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both "urls": "stun:..." and "urls": ["stun:..."],
// the two shapes RTCIceServer allows.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style iceServers array.
func ParseICEServersJSON(raw string) ([]domain.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]domain.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		s := domain.ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(server.Username),
			Credential: server.Credential,
		}
		if err := ValidateICEServer(s); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ValidateICEServer checks URL schemes and that TURN entries carry credentials.
func ValidateICEServer(s domain.ICEServer) error {
	if len(s.URLs) == 0 {
		return errors.New("urls must not be empty")
	}
	for _, u := range s.URLs {
		scheme, _, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("url %q has no scheme", u)
		}
		switch strings.ToLower(scheme) {
		case "stun", "stuns":
		case "turn", "turns":
			if s.Username == "" || s.Credential == "" {
				return fmt.Errorf("turn url %q requires username and credential", u)
			}
		default:
			return fmt.Errorf("url %q: unsupported scheme %q", u, scheme)
		}
	}
	return nil
}
