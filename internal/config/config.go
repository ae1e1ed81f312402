// Package config assembles the client configuration: production defaults,
// an optional YAML file on top, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whisper/presence-sync/internal/connection"
	"github.com/whisper/presence-sync/internal/conversation"
	"github.com/whisper/presence-sync/internal/messaging"
	"github.com/whisper/presence-sync/internal/presence"
	"github.com/whisper/presence-sync/internal/ws"
)

// Transport names accepted in Config.Transport.
const (
	TransportWebSocket = "ws"
	TransportNATS      = "nats"
)

type Config struct {
	Transport     string              `yaml:"transport"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	NATS          NATSConfig          `yaml:"nats"`
	Redis         RedisConfig         `yaml:"redis"`
	API           APIConfig           `yaml:"api"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Presence      PresenceConfig      `yaml:"presence"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type WebSocketConfig struct {
	URL          string        `yaml:"url"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type NATSConfig struct {
	URL         string        `yaml:"url"`
	Name        string        `yaml:"name"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type APIConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

type ConnectionConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
}

type PresenceConfig struct {
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type ConversationConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	TypingTTL     time.Duration `yaml:"typing_ttl"`
	PreviewLength int           `yaml:"preview_length"`
}

type NotificationsConfig struct {
	// AlertTypes lists the notification types that raise an external alert.
	AlertTypes []string `yaml:"alert_types"`
}

// Default returns the production defaults of every component.
func Default() *Config {
	wsc := ws.DefaultConfig()
	nc := messaging.DefaultNATSConfig()
	cc := connection.DefaultConfig()
	pc := presence.DefaultConfig()
	vc := conversation.DefaultConfig()

	return &Config{
		Transport: TransportWebSocket,
		WebSocket: WebSocketConfig{
			URL:          wsc.URL,
			DialTimeout:  wsc.DialTimeout,
			WriteTimeout: wsc.WriteTimeout,
		},
		NATS: NATSConfig{
			URL:         nc.URL,
			Name:        nc.Name,
			DialTimeout: nc.DialTimeout,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		API: APIConfig{
			URL:      "http://localhost:8080/api",
			Timeout:  10 * time.Second,
			PageSize: 20,
		},
		Metrics: MetricsConfig{Addr: ":9102"},
		Connection: ConnectionConfig{
			MaxAttempts:      cc.MaxAttempts,
			HandshakeTimeout: cc.HandshakeTimeout,
			PingInterval:     cc.PingInterval,
			PingTimeout:      cc.PingTimeout,
			BackoffBase:      cc.Backoff.Base,
			BackoffMax:       cc.Backoff.Max,
		},
		Presence: PresenceConfig{
			IdleThreshold:     pc.IdleThreshold,
			HeartbeatInterval: pc.HeartbeatInterval,
		},
		Conversation: ConversationConfig{
			AckTimeout:    vc.AckTimeout,
			TypingTTL:     vc.TypingTTL,
			PreviewLength: vc.PreviewLength,
		},
		Notifications: NotificationsConfig{
			AlertTypes: []string{"match", "message", "super_like"},
		},
	}
}

// Load reads the YAML file at path over the defaults. Keys missing from the
// file keep their default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Unset variables are left
// alone; malformed values are reported.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("SYNC_URL"); v != "" {
		c.WebSocket.URL = v
	}
	if v := os.Getenv("SYNC_TRANSPORT"); v != "" {
		c.Transport = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("API_URL"); v != "" {
		c.API.URL = v
	}
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("config: MAX_RECONNECT_ATTEMPTS: invalid value %q", v)
		}
		c.Connection.MaxAttempts = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"IDLE_THRESHOLD", &c.Presence.IdleThreshold},
		{"HEARTBEAT_INTERVAL", &c.Presence.HeartbeatInterval},
		{"ACK_TIMEOUT", &c.Conversation.AckTimeout},
		{"PING_INTERVAL", &c.Connection.PingInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportWebSocket:
		if c.WebSocket.URL == "" {
			return errors.New("config: websocket url is required")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return errors.New("config: nats url is required")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if err := c.PresenceConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Conversation.AckTimeout <= 0 {
		return errors.New("config: ack timeout must be positive")
	}
	if c.API.PageSize <= 0 {
		return errors.New("config: api page size must be positive")
	}
	return nil
}

// WebSocketDialer returns the ws package configuration.
func (c *Config) WebSocketDialer() ws.Config {
	return ws.Config{
		URL:          c.WebSocket.URL,
		DialTimeout:  c.WebSocket.DialTimeout,
		WriteTimeout: c.WebSocket.WriteTimeout,
	}
}

// NATSDialer returns the messaging package configuration.
func (c *Config) NATSDialer() messaging.NATSConfig {
	return messaging.NATSConfig{
		URL:         c.NATS.URL,
		Name:        c.NATS.Name,
		DialTimeout: c.NATS.DialTimeout,
	}
}

// ConnectionConfig returns the connection manager configuration.
func (c *Config) ConnectionConfig() connection.Config {
	cc := connection.DefaultConfig()
	cc.MaxAttempts = c.Connection.MaxAttempts
	cc.HandshakeTimeout = c.Connection.HandshakeTimeout
	cc.PingInterval = c.Connection.PingInterval
	cc.PingTimeout = c.Connection.PingTimeout
	if c.Connection.BackoffBase > 0 {
		cc.Backoff.Base = c.Connection.BackoffBase
	}
	if c.Connection.BackoffMax > 0 {
		cc.Backoff.Max = c.Connection.BackoffMax
	}
	return cc
}

// PresenceConfig returns the tracker timings.
func (c *Config) PresenceConfig() presence.Config {
	return presence.Config{
		IdleThreshold:     c.Presence.IdleThreshold,
		HeartbeatInterval: c.Presence.HeartbeatInterval,
	}
}

// ConversationConfig returns the store configuration.
func (c *Config) ConversationConfig() conversation.Config {
	return conversation.Config{
		AckTimeout:    c.Conversation.AckTimeout,
		TypingTTL:     c.Conversation.TypingTTL,
		PreviewLength: c.Conversation.PreviewLength,
	}
}
