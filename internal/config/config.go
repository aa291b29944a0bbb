package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"livecast/native/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	RelayRedis     = "redis"
	RelayWebSocket = "websocket"
)

// Config holds the application configuration.
type Config struct {
	Session struct {
		Room    string `yaml:"room"`
		Role    string `yaml:"role"`
		Account string `yaml:"account"`
	} `yaml:"session"`

	Signal struct {
		ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
		SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
		SendTimeout      time.Duration `yaml:"send_timeout"`
		HistorySize      int           `yaml:"history_size"`
	} `yaml:"signal"`

	Relay struct {
		Backend string `yaml:"backend"`

		Redis struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`

		WebSocket struct {
			URL          string        `yaml:"url"`
			PingInterval time.Duration `yaml:"ping_interval"`
		} `yaml:"websocket"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []domain.ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		FilterLoopback bool `yaml:"filter_loopback"`
	} `yaml:"webrtc"`

	Media struct {
		VideoFile string `yaml:"video_file"`
		AudioFile string `yaml:"audio_file"`
	} `yaml:"media"`

	Record struct {
		Dir string `yaml:"dir"`
	} `yaml:"record"`

	Control struct {
		Address string `yaml:"address"`
	} `yaml:"control"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Session.Role = string(domain.RoleViewer)

	cfg.Signal.ReconnectDelay = 3 * time.Second
	cfg.Signal.SubscribeTimeout = 10 * time.Second
	cfg.Signal.SendTimeout = 5 * time.Second
	cfg.Signal.HistorySize = 100

	cfg.Relay.Backend = RelayRedis
	cfg.Relay.Redis.Address = "localhost:6379"
	cfg.Relay.Redis.PoolSize = 10
	cfg.Relay.WebSocket.URL = "ws://localhost:8090/ws"
	cfg.Relay.WebSocket.PingInterval = 30 * time.Second

	cfg.WebRTC.ICEServers = domain.DefaultICEServers()

	cfg.Control.Address = "127.0.0.1:8080"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// Load reads configuration from a .env file (if present), the YAML file at
// configPath (if present), and environment variables, in increasing order of
// precedence. godotenv does not overwrite variables already in the environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Role returns the parsed session role.
func (c *Config) Role() domain.Role {
	r, _ := domain.ParseRole(c.Session.Role)
	return r
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Session.Room) == "" {
		return fmt.Errorf("session.room is required (LIVECAST_ROOM)")
	}
	if _, err := domain.ParseRole(c.Session.Role); err != nil {
		return fmt.Errorf("session.role: %w", err)
	}

	if c.Signal.ReconnectDelay <= 0 {
		return fmt.Errorf("signal.reconnect_delay must be > 0")
	}
	if c.Signal.SubscribeTimeout <= 0 {
		return fmt.Errorf("signal.subscribe_timeout must be > 0")
	}
	if c.Signal.SendTimeout <= 0 {
		return fmt.Errorf("signal.send_timeout must be > 0")
	}
	if c.Signal.HistorySize < 0 {
		return fmt.Errorf("signal.history_size must be >= 0")
	}

	switch c.Relay.Backend {
	case RelayRedis:
		if c.Relay.Redis.Address == "" {
			return fmt.Errorf("relay.redis.address must not be empty when relay.backend=redis")
		}
		if c.Relay.Redis.PoolSize <= 0 {
			return fmt.Errorf("relay.redis.pool_size must be > 0")
		}
	case RelayWebSocket:
		if !strings.HasPrefix(c.Relay.WebSocket.URL, "ws://") && !strings.HasPrefix(c.Relay.WebSocket.URL, "wss://") {
			return fmt.Errorf("relay.websocket.url must be a ws:// or wss:// URL")
		}
		if c.Relay.WebSocket.PingInterval <= 0 {
			return fmt.Errorf("relay.websocket.ping_interval must be > 0")
		}
	default:
		return fmt.Errorf("relay.backend must be %q or %q, got %q", RelayRedis, RelayWebSocket, c.Relay.Backend)
	}

	for i, s := range c.WebRTC.ICEServers {
		if err := ValidateICEServer(s); err != nil {
			return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty")
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	strOverrides := map[string]*string{
		"LIVECAST_ROOM":            &c.Session.Room,
		"LIVECAST_ROLE":            &c.Session.Role,
		"LIVECAST_ACCOUNT":         &c.Session.Account,
		"LIVECAST_RELAY_BACKEND":   &c.Relay.Backend,
		"LIVECAST_REDIS_ADDRESS":   &c.Relay.Redis.Address,
		"LIVECAST_REDIS_PASSWORD":  &c.Relay.Redis.Password,
		"LIVECAST_RELAY_URL":       &c.Relay.WebSocket.URL,
		"LIVECAST_VIDEO_FILE":      &c.Media.VideoFile,
		"LIVECAST_AUDIO_FILE":      &c.Media.AudioFile,
		"LIVECAST_RECORD_DIR":      &c.Record.Dir,
		"LIVECAST_CONTROL_ADDRESS": &c.Control.Address,
		"LIVECAST_LOG_LEVEL":       &c.Logging.Level,
		"LIVECAST_LOG_FORMAT":      &c.Logging.Format,
	}
	for key, dst := range strOverrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("LIVECAST_RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LIVECAST_RECONNECT_DELAY: %w", err)
		}
		c.Signal.ReconnectDelay = d
	}
	if v := os.Getenv("LIVECAST_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LIVECAST_REDIS_DB: %w", err)
		}
		c.Relay.Redis.DB = db
	}
	if v := strings.TrimSpace(os.Getenv(envICEServersJSON)); v != "" {
		servers, err := ParseICEServersJSON(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		c.WebRTC.ICEServers = servers
	}
	return nil
}
