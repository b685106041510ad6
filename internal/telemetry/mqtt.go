// Package telemetry publishes server lifecycle events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dungeon-net/dungeond/internal/config"
	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/util"
)

// Topic groups under the configured prefix.
const (
	TopicClients   = "clients"
	TopicHeroes    = "heroes"
	TopicGame      = "game"
	TopicLoop      = "loop"
	TopicResources = "resources"
	TopicStatus    = "status"
	TopicAdmin     = "admin"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrDisabled = errors.New("mqtt telemetry is disabled")

// AppVersion is reported in every message's metadata.
var AppVersion = "dev"

// MQTTHandler forwards bus events to MQTT topics.
type MQTTHandler struct {
	mu sync.Mutex

	prefix   string
	broker   string
	bus      *events.Bus
	client   mqtt.Client
	metadata map[string]interface{}
}

// NewMQTTHandler builds a handler from cfg. It does not connect.
func NewMQTTHandler(cfg *config.Config, bus *events.Bus) (*MQTTHandler, error) {
	mqttCfg := cfg.MQTT
	if !mqttCfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		prefix: strings.TrimSuffix(mqttCfg.TopicPrefix, "/"),
		bus:    bus,
		metadata: map[string]interface{}{
			"instance_id": cfg.Server.InstanceID,
			"server_name": cfg.Server.Name,
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": AppVersion,
		},
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	handler.broker = fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(handler.broker)
	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID("dungeond-" + cfg.Server.InstanceID)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CAFile != "" {
			pem, err := os.ReadFile(mqttCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in MQTT CA file %s", mqttCfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", handler.broker).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

// Start connects, forwards events until ctx ends, then announces shutdown
// and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().Str("broker", h.broker).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.bus.SubscribeAll("mqtt", h.onEvent)

	<-ctx.Done()

	h.bus.Unsubscribe("", "mqtt")
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	group := TopicFor(event.Type)
	if group == "" {
		return nil
	}
	h.publish(h.prefix+"/"+group, map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"payload": event.Payload,
	})
	return nil
}

// TopicFor maps an event type to its topic group, or "" for events that
// are not published.
func TopicFor(t events.Type) string {
	family, _, _ := strings.Cut(string(t), ".")
	switch family {
	case "client", "udp":
		return TopicClients
	case "hero":
		return TopicHeroes
	case "game":
		return TopicGame
	case "loop", "tick":
		return TopicLoop
	case "dialog", "sound":
		return TopicResources
	case "server":
		return TopicStatus
	}
	return ""
}

func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload, time.Now()))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage merges the instance metadata with payload.
func (h *MQTTHandler) buildMessage(payload interface{}, at time.Time) map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = at.UTC().Format(time.RFC3339)
	return msg
}

// SetMetadata adds or replaces a metadata field sent with every message.
func (h *MQTTHandler) SetMetadata(key string, value interface{}) {
	h.mu.Lock()
	h.metadata[key] = value
	h.mu.Unlock()
}

// PublishShutdown announces that this instance is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.prefix+"/"+TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
