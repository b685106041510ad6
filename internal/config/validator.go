package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/dungeon-net/dungeond/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateLoop(&cfg.Loop, result)
	validateWorld(&cfg.World, result)
	validateServices(cfg, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if net.ParseIP(n.BindAddress) == nil && n.BindAddress != "" && n.BindAddress != "localhost" {
		result.AddError("network.bind_address", fmt.Sprintf("not an IP address: %q", n.BindAddress))
	}

	validatePort(n.TCPPort, "network.tcp_port", result)
	validatePort(n.UDPPort, "network.udp_port", result)
	if n.TCPPort == n.UDPPort {
		result.AddWarning("network.ports", "TCP and UDP share a port number")
	}

	if n.ProtocolVersion == 0 {
		result.AddError("network.protocol_version", "protocol version must be non-zero")
	}
	if n.MaxTCPObjectSize < 1024 {
		result.AddError("network.max_tcp_object_size", "must be at least 1024 bytes")
	}
	if n.SafeUDPMTU < 256 {
		result.AddError("network.safe_udp_mtu", "must be at least 256 bytes")
	}
	if n.SafeUDPMTU > 1472 {
		result.AddWarning("network.safe_udp_mtu",
			fmt.Sprintf("%d bytes exceeds a typical ethernet payload, datagrams may fragment", n.SafeUDPMTU))
	}
	if n.InputQueueSize < 1 {
		result.AddError("network.input_queue_size", "must be at least 1")
	}
	if n.SendQueueSize < 1 {
		result.AddError("network.send_queue_size", "must be at least 1")
	}
	if n.HandshakeTimeout < 100 {
		result.AddWarning("network.handshake_timeout_ms", "handshake timeout under 100ms will drop slow clients")
	}
	if n.IdleTimeout < 0 {
		result.AddError("network.idle_timeout_ms", "must not be negative")
	} else if n.IdleTimeout == 0 {
		result.AddWarning("network.idle_timeout_ms", "idle connections are never closed")
	}
}

func validateLoop(l *LoopConfig, result *ValidationResult) {
	if l.TickRate < 1 || l.TickRate > 240 {
		result.AddError("loop.tick_rate_hz", fmt.Sprintf("tick rate %d out of range 1-240", l.TickRate))
	}
	if l.SnapshotRate < 1 {
		result.AddError("loop.snapshot_rate_hz", "snapshot rate must be at least 1")
	} else if l.SnapshotRate > l.TickRate {
		result.AddError("loop.snapshot_rate_hz", "snapshot rate cannot exceed tick rate")
	}
	if l.MaxSeqGap < 1 {
		result.AddError("loop.max_seq_gap", "must be at least 1")
	}
	if l.RTTAlpha <= 0 || l.RTTAlpha > 1 {
		result.AddError("loop.rtt_alpha", "must be in (0, 1]")
	}
	if l.ReconnectWindowMs < 0 {
		result.AddError("loop.reconnect_window_ms", "must not be negative")
	} else if l.ReconnectWindowMs == 0 {
		result.AddWarning("loop.reconnect_window_ms", "reconnect is disabled")
	}
	if l.DeltaSnapshots && l.FullSnapshotEvery < 1 {
		result.AddError("loop.full_snapshot_every_ticks", "must be at least 1 when delta snapshots are enabled")
	}
}

func validateWorld(w *WorldConfig, result *ValidationResult) {
	if strings.TrimSpace(w.Level) == "" {
		result.AddError("world.level", "level name is required")
	}
	if w.Width <= 0 || w.Height <= 0 {
		result.AddError("world.size", "width and height must be positive")
	}
	if w.Speed <= 0 {
		result.AddError("world.hero_speed", "hero speed must be positive")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.Port == cfg.Network.TCPPort {
			result.AddError("api.port", "port conflict with network.tcp_port")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if cfg.API.Token == "" && cfg.API.BindAddress != "127.0.0.1" && cfg.API.BindAddress != "localhost" {
			result.AddWarning("api.token", "admin API is reachable off-host without a token")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if cfg.MQTT.UseTLS && cfg.MQTT.CAFile != "" && !util.FileExists(cfg.MQTT.CAFile) {
			result.AddError("mqtt.ca_file", fmt.Sprintf("CA file not found: %s", cfg.MQTT.CAFile))
		}
	}

	if cfg.Database.Enabled {
		if strings.TrimSpace(cfg.Database.Path) == "" {
			result.AddError("database.path", "database path is required when enabled")
		}
		if cfg.Database.RetentionDays < 1 {
			result.AddError("database.retention_days", "retention days must be at least 1")
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, falling back to info", cfg.Logging.Level))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
