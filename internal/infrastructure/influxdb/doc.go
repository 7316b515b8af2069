// Package influxdb provides InfluxDB connectivity for the orchestrator.
//
// It wraps the official influxdb-client-go v2 library and records the
// outcome of every command the orchestrator sends to a device: which
// device, module and action, whether it succeeded, failed or timed out,
// and how long the round trip took. Live device state is never written
// here; the device registry stays in memory.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.WriteCommandOutcome(influxdb.CommandOutcome{...})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Writes never return errors; background flush failures reach the
// SetOnError callback wrapped in ErrWriteFailed. Connection and health
// check errors are returned directly.
package influxdb
