// Package agent is the device side of the lab bus.
//
// A Router subscribes to /lab/device/{device_id}/+/cmd, resolves the
// module named by the topic in the extension registry and answers every
// command with exactly one response envelope on the module's evt topic.
// Failures are reported in the envelope, never by dropping the command:
//
//	module missing         -> "module not loaded"
//	action not declared    -> "Unknown action: <action>"
//	params fail the schema -> "invalid params: <detail>"
//	handler panics         -> "internal module error"
//	handler returns error  -> the error text
//
// The module name "agent" is reserved for the router itself and answers
// "status" and "reload".
//
// A Heartbeat publishes the device's module list on
// /lab/device/{device_id}/meta so the orchestrator can keep its device
// registry fresh. The MQTT client's Last Will covers crashes.
package agent
