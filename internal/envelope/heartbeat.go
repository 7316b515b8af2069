package envelope

import (
	"encoding/json"
	"fmt"
)

// Presence states carried by heartbeats.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Heartbeat is the liveness message an agent publishes on its meta topic.
// The broker publishes the same shape (status "offline") as the agent's LWT,
// in which case Modules is absent.
type Heartbeat struct {
	DeviceID string            `json:"device_id"`
	Status   string            `json:"status"`
	Modules  []string          `json:"modules"`
	Versions map[string]string `json:"versions,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	TS       Timestamp         `json:"ts"`
}

// DecodeHeartbeat parses a meta payload. A missing status means online.
func DecodeHeartbeat(payload []byte) (*Heartbeat, error) {
	var hb Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if hb.Status == "" {
		hb.Status = StatusOnline
	}
	return &hb, nil
}
