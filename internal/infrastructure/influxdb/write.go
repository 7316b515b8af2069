package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	// MeasurementCommands holds one point per orchestrator command.
	MeasurementCommands = "lab_commands"
)

// CommandOutcome describes one finished command round trip.
type CommandOutcome struct {
	DeviceID string
	Module   string
	Action   string
	Actor    string
	// Outcome is "ok", "failed", "timeout", "cancelled" or "error".
	Outcome string
	Latency time.Duration
	Time    time.Time
}

// WriteCommandOutcome records a command round trip.
//
// Device, module, action and outcome are tags; latency and the actor are
// fields so per-user cardinality does not explode the series count.
//
// Example:
//
//	client.WriteCommandOutcome(influxdb.CommandOutcome{
//	    DeviceID: "ndi-01", Module: "ndi", Action: "start",
//	    Outcome: "ok", Latency: 120 * time.Millisecond,
//	})
func (c *Client) WriteCommandOutcome(o CommandOutcome) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(o))
}

// commandPoint builds the point for a command outcome.
func commandPoint(o CommandOutcome) *write.Point {
	ts := o.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		MeasurementCommands,
		map[string]string{
			"device_id": o.DeviceID,
			"module":    o.Module,
			"action":    o.Action,
			"outcome":   o.Outcome,
		},
		map[string]interface{}{
			"latency_ms": float64(o.Latency.Microseconds()) / 1000,
			"actor":      o.Actor,
		},
		ts,
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
