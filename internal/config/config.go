// Package config loads, validates and persists the dungeond configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultTCPPort    = 7777
	DefaultUDPPort    = 7778
	DefaultAPIPort    = 8080
)

// Config is the root configuration.
type Config struct {
	mu   sync.RWMutex
	path string

	Server   ServerConfig   `json:"server"`
	Network  NetworkConfig  `json:"network"`
	Loop     LoopConfig     `json:"loop"`
	World    WorldConfig    `json:"world"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig identifies this server instance.
type ServerConfig struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
}

// NetworkConfig configures both transport channels.
type NetworkConfig struct {
	BindAddress      string `json:"bind_address"`
	TCPPort          int    `json:"tcp_port"`
	UDPPort          int    `json:"udp_port"`
	ProtocolVersion  uint16 `json:"protocol_version"`
	MaxTCPObjectSize int    `json:"max_tcp_object_size"`
	SafeUDPMTU       int    `json:"safe_udp_mtu"`
	InputQueueSize   int    `json:"input_queue_size"`
	SendQueueSize    int    `json:"send_queue_size"`
	HandshakeTimeout int    `json:"handshake_timeout_ms"`
	WriteTimeout     int    `json:"write_timeout_ms"`
	IdleTimeout      int    `json:"idle_timeout_ms"`
}

// LoopConfig configures the authoritative server loop.
type LoopConfig struct {
	TickRate          int     `json:"tick_rate_hz"`
	SnapshotRate      int     `json:"snapshot_rate_hz"`
	MaxSeqGap         int32   `json:"max_seq_gap"`
	RTTAlpha          float64 `json:"rtt_alpha"`
	ReconnectWindowMs int     `json:"reconnect_window_ms"`
	DeltaSnapshots    bool    `json:"delta_snapshots"`
	FullSnapshotEvery int32   `json:"full_snapshot_every_ticks"`
	OverrunWarnings   int     `json:"overrun_warning_threshold"`
}

// WorldConfig sizes the built-in arena.
type WorldConfig struct {
	Level  string  `json:"level"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
	Speed  float32 `json:"hero_speed"`
}

// APIConfig configures the admin REST API.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	BindAddress    string   `json:"bind_address"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	Token          string   `json:"token"`
}

// MQTTConfig configures telemetry publishing.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig configures the session audit store.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	File       bool   `json:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			InstanceID: uuid.NewString(),
			Name:       "dungeond",
		},
		Network: NetworkConfig{
			BindAddress:      "0.0.0.0",
			TCPPort:          DefaultTCPPort,
			UDPPort:          DefaultUDPPort,
			ProtocolVersion:  1,
			MaxTCPObjectSize: 1 << 20,
			SafeUDPMTU:       1200,
			InputQueueSize:   4096,
			SendQueueSize:    256,
			HandshakeTimeout: 10_000,
			WriteTimeout:     5_000,
			IdleTimeout:      60_000,
		},
		Loop: LoopConfig{
			TickRate:          30,
			SnapshotRate:      15,
			MaxSeqGap:         1000,
			RTTAlpha:          0.125,
			ReconnectWindowMs: 30_000,
			DeltaSnapshots:    false,
			FullSnapshotEvery: 90,
			OverrunWarnings:   3,
		},
		World: WorldConfig{
			Level:  "arena",
			Width:  32,
			Height: 32,
			Speed:  4,
		},
		API: APIConfig{
			Enabled:        true,
			BindAddress:    "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimitRPS:   50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "dungeond",
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/sessions.db",
			RetentionDays: 14,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			File:       true,
		},
	}
}

// envOverrides lists the settings that may be overridden from the
// environment. Empty or zero values leave the file setting untouched.
type envOverrides struct {
	BindAddress  string `env:"DUNGEOND_BIND"`
	TCPPort      int    `env:"DUNGEOND_TCP_PORT"`
	UDPPort      int    `env:"DUNGEOND_UDP_PORT"`
	TickRate     int    `env:"DUNGEOND_TICK_RATE"`
	SnapshotRate int    `env:"DUNGEOND_SNAPSHOT_RATE"`
	APIEnabled   string `env:"DUNGEOND_API_ENABLED"`
	APIPort      int    `env:"DUNGEOND_API_PORT"`
	APIToken     string `env:"DUNGEOND_API_TOKEN"`
	MQTTBroker   string `env:"DUNGEOND_MQTT_BROKER"`
	DBPath       string `env:"DUNGEOND_DB_PATH"`
	LogLevel     string `env:"DUNGEOND_LOG_LEVEL"`
}

// Load reads config.json from configDir, creating it with defaults on first
// run, then applies DUNGEOND_* environment overrides. The file is re-saved
// so it always lists every option; environment overrides are not persisted.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)
	cfg := DefaultConfig()
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")
	}

	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.NewString()
	}
	if err := cfg.Save(); err != nil {
		log.Warn().Err(err).Msg("failed to save config with current defaults")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("failed to decode environment overrides: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	setString(&c.Network.BindAddress, env.BindAddress)
	setInt(&c.Network.TCPPort, env.TCPPort)
	setInt(&c.Network.UDPPort, env.UDPPort)
	setInt(&c.Loop.TickRate, env.TickRate)
	setInt(&c.Loop.SnapshotRate, env.SnapshotRate)
	setInt(&c.API.Port, env.APIPort)
	setString(&c.API.Token, env.APIToken)
	setString(&c.MQTT.BrokerURL, env.MQTTBroker)
	setString(&c.Database.Path, env.DBPath)
	setString(&c.Logging.Level, env.LogLevel)
	if env.APIEnabled != "" {
		enabled, err := strconv.ParseBool(env.APIEnabled)
		if err != nil {
			return fmt.Errorf("invalid DUNGEOND_API_ENABLED %q: %w", env.APIEnabled, err)
		}
		c.API.Enabled = enabled
	}
	if env.MQTTBroker != "" {
		c.MQTT.Enabled = true
	}

	log.Debug().Msg("environment overrides applied")
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string { return c.path }

// GetNetwork returns a copy of the network section.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetLoop returns a copy of the loop section.
func (c *Config) GetLoop() LoopConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Loop
}

// SetLoop replaces the loop section. Rates take effect on the next start.
func (c *Config) SetLoop(l LoopConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Loop = l
}

// View is a copy of the configuration with secrets masked.
type View struct {
	Server   ServerConfig   `json:"server"`
	Network  NetworkConfig  `json:"network"`
	Loop     LoopConfig     `json:"loop"`
	World    WorldConfig    `json:"world"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// View returns a redacted copy for display.
func (c *Config) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := View{
		Server:   c.Server,
		Network:  c.Network,
		Loop:     c.Loop,
		World:    c.World,
		API:      c.API,
		MQTT:     c.MQTT,
		Database: c.Database,
		Logging:  c.Logging,
	}
	v.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	if v.API.Token != "" {
		v.API.Token = "********"
	}
	return v
}

// TickInterval returns the duration of one tick.
func (l LoopConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(l.TickRate)
}

// SnapshotInterval returns the time between snapshots.
func (l LoopConfig) SnapshotInterval() time.Duration {
	return time.Second / time.Duration(l.SnapshotRate)
}

// ReconnectWindow returns the reconnect grace period.
func (l LoopConfig) ReconnectWindow() time.Duration {
	return time.Duration(l.ReconnectWindowMs) * time.Millisecond
}

// TCPAddr returns host:port for the TCP listener.
func (n NetworkConfig) TCPAddr() string {
	return fmt.Sprintf("%s:%d", n.BindAddress, n.TCPPort)
}

// UDPAddr returns host:port for the UDP socket.
func (n NetworkConfig) UDPAddr() string {
	return fmt.Sprintf("%s:%d", n.BindAddress, n.UDPPort)
}
