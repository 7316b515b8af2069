// Package envelope defines the JSON messages exchanged on the lab bus.
//
// A Command travels orchestrator -> agent on a device cmd topic; exactly
// one Response with the same req_id comes back on the matching evt topic.
// Plugins acknowledge control-topic requests with an Ack.
//
// Command parameters are carried as Params, a map of tagged Values, so
// the kind of every parameter survives the JSON round trip and can be
// validated before a module sees it.
package envelope
