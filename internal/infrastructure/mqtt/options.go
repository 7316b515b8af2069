package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/lab-platform/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Presence describes where and how a client announces itself.
//
// The online payload is published retained when the connection comes up,
// the offline payload on graceful Close, and a crash variant is registered
// as the Last Will and Testament.
type Presence struct {
	// Topic receives the status messages. Empty disables presence.
	Topic string

	// Fields are merged into every status payload (e.g. device_id).
	Fields map[string]any
}

// buildClientOptions creates paho MQTT options from lab config.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	// Handlers may block on device I/O; never let one stall delivery.
	opts.SetOrderMatters(false)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// configureLWT registers the crash variant of the presence payload.
// QoS 1, retained, so late subscribers see the last known status.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string, p Presence) {
	if p.Topic == "" {
		return
	}
	opts.SetWill(p.Topic, string(buildStatusPayload(clientID, "offline", "unexpected_disconnect", p.Fields)), 1, true)
}

// buildStatusPayload creates the JSON payload for presence messages.
func buildStatusPayload(clientID, status, reason string, fields map[string]any) []byte {
	msg := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		msg[k] = v
	}
	msg["status"] = status
	msg["client_id"] = clientID
	msg["ts"] = time.Now().UTC().Format(time.RFC3339)
	if reason != "" {
		msg["reason"] = reason
	}

	data, err := json.Marshal(msg)
	if err != nil {
		// Fields are plain values supplied by our own code.
		return []byte(fmt.Sprintf(`{"status":%q,"client_id":%q}`, status, clientID))
	}
	return data
}
