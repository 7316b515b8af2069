// Package broker correlates orchestrator commands with device responses.
//
// Send publishes a command envelope to a device's module command topic and
// blocks until the matching response arrives on the module's event topic,
// the per-request timeout fires, or the caller's context ends. Responses
// are matched by req_id only; ordering across requests is not preserved.
//
// Every in-flight request owns a result channel with a buffer of one. The
// delivery path removes the pending entry under the broker's lock and then
// sends without blocking, so each request resolves exactly once and the bus
// callback never waits on a slow caller. Unknown, duplicate and late
// responses are discarded and counted.
//
// A command that times out has an unknown outcome: the device may still
// execute it.
//
// # Usage
//
//	b := broker.New(mqttClient, broker.WithLogger(log), broker.WithMetrics(m))
//	if err := b.Start(); err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	cmd := envelope.NewCommand("userA", "start", params)
//	resp, err := b.Send(ctx, topics.DeviceCommand("ndi-01", "ndi"), cmd, 10*time.Second)
//	if errors.Is(err, broker.ErrTimeout) {
//	    // outcome unknown
//	}
package broker
