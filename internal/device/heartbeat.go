package device

import (
	"fmt"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// HandleMeta consumes a message from /lab/device/{id}/meta.
//
// A heartbeat listing modules registers the device with those
// capabilities. One without a module list only refreshes liveness. An
// offline status (graceful shutdown or LWT) marks the device offline.
// The topic's device ID wins over the payload's.
func (r *Registry) HandleMeta(topic string, payload []byte) error {
	t, ok := mqtt.ParseDeviceTopic(topic)
	if !ok || t.Kind != mqtt.SuffixMeta {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	hb, err := envelope.DecodeHeartbeat(payload)
	if err != nil {
		return fmt.Errorf("device %s heartbeat: %w", t.DeviceID, err)
	}
	if hb.DeviceID != "" && hb.DeviceID != t.DeviceID {
		r.logger.Warn("heartbeat device_id does not match topic",
			"topic_device_id", t.DeviceID,
			"payload_device_id", hb.DeviceID,
		)
	}

	switch {
	case hb.Status == envelope.StatusOffline:
		r.MarkOffline(t.DeviceID)
	case hb.Modules != nil:
		r.RegisterWithVersions(t.DeviceID, hb.Modules, hb.Versions)
	case !r.Touch(t.DeviceID):
		// First contact without a module list still makes the device known.
		r.Register(t.DeviceID, nil)
	}
	return nil
}
