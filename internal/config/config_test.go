package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config invalid: %v", result.Errors)
	}
}

func TestValidateSnapshotFasterThanTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loop.TickRate = 20
	cfg.Loop.SnapshotRate = 30
	result := Validate(cfg)
	if result.IsValid() {
		t.Fatal("expected error for snapshot rate above tick rate")
	}
	if result.Errors[0].Field != "loop.snapshot_rate_hz" {
		t.Fatalf("unexpected field %q", result.Errors[0].Field)
	}
}

func TestValidateSharedPortWarns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.UDPPort = cfg.Network.TCPPort
	result := Validate(cfg)
	if !result.IsValid() {
		t.Fatalf("shared TCP/UDP port should only warn: %v", result.Errors)
	}
	found := false
	for _, w := range result.Warnings {
		if w.Field == "network.ports" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected network.ports warning")
	}
}

func TestValidateRejectsBadRTTAlpha(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loop.RTTAlpha = 0
	if Validate(cfg).IsValid() {
		t.Fatal("expected rtt_alpha 0 to be rejected")
	}
}

func TestValidateMissingCAFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.UseTLS = true
	cfg.MQTT.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	result := Validate(cfg)
	if result.IsValid() {
		t.Fatal("expected error for missing CA file")
	}
	if result.Errors[0].Field != "mqtt.ca_file" {
		t.Fatalf("unexpected field %q", result.Errors[0].Field)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.InstanceID == "" {
		t.Fatal("instance id not generated")
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again.Server.InstanceID != cfg.Server.InstanceID {
		t.Fatalf("instance id changed across loads: %s != %s", again.Server.InstanceID, cfg.Server.InstanceID)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DUNGEOND_TCP_PORT", "9001")
	t.Setenv("DUNGEOND_API_ENABLED", "false")
	t.Setenv("DUNGEOND_LOG_LEVEL", "debug")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.TCPPort != 9001 {
		t.Fatalf("tcp port = %d, want 9001", cfg.Network.TCPPort)
	}
	if cfg.API.Enabled {
		t.Fatal("api should be disabled by env")
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverrideBadBool(t *testing.T) {
	t.Setenv("DUNGEOND_API_ENABLED", "perhaps")
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for unparsable bool")
	}
}

func TestLoopIntervals(t *testing.T) {
	l := LoopConfig{TickRate: 50, SnapshotRate: 10, ReconnectWindowMs: 1500}
	if got := l.TickInterval().Milliseconds(); got != 20 {
		t.Fatalf("tick interval = %dms", got)
	}
	if got := l.SnapshotInterval().Milliseconds(); got != 100 {
		t.Fatalf("snapshot interval = %dms", got)
	}
	if got := l.ReconnectWindow().Milliseconds(); got != 1500 {
		t.Fatalf("reconnect window = %dms", got)
	}
}
