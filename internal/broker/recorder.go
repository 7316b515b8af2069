package broker

import "time"

// Outcome describes one finished Send.
type Outcome struct {
	DeviceID string
	Module   string
	Action   string
	Actor    string
	// Result is one of the Outcome* constants.
	Result  string
	Latency time.Duration
	Time    time.Time
}

// Recorder receives every finished Send. Implementations must not block.
type Recorder interface {
	RecordCommand(o Outcome)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(o Outcome)

// RecordCommand calls f(o).
func (f RecorderFunc) RecordCommand(o Outcome) { f(o) }
