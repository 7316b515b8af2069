// Package mqtt provides the MQTT bus client shared by the orchestrator
// and device agents.
//
// It manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and size checks
//   - Wildcard subscriptions restored after reconnect
//   - Presence: retained online status and an offline Last Will
//   - Topic builders and parsers for the /lab hierarchy
//
// # Topics
//
//	/lab/device/{device_id}/{module}/cmd   orchestrator -> agent
//	/lab/device/{device_id}/{module}/evt   agent -> orchestrator
//	/lab/device/{device_id}/meta           agent heartbeat and LWT
//	/lab/orchestrator/{module}/cmd|evt     plugin control and acks
//	/lab/orchestrator/status               orchestrator presence
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Presence{Topic: mqtt.Topics{}.OrchestratorStatus()})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Package mqtttest provides an in-memory bus with the same publish and
// subscribe surface for tests.
package mqtt
