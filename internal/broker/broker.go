package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// DefaultTimeout applies when Send is called without a timeout.
const DefaultTimeout = 10 * time.Second

// Transport is the slice of the MQTT client the broker uses.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	QoS() byte
}

// Logger defines the logging interface used by the Broker.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// result is what a pending request resolves to.
type result struct {
	resp *envelope.Response
	err  error
}

// pending is one in-flight request.
type pending struct {
	reqID     string
	createdAt time.Time
	deadline  time.Time
	result    chan result

	deviceID string
	module   string
	action   string
	actor    string
}

// Broker sends commands and waits for their responses.
//
// All methods are safe for concurrent use.
type Broker struct {
	transport Transport
	timeout   time.Duration
	logger    Logger
	metrics   *Metrics
	recorder  Recorder

	mu      sync.Mutex
	pending map[string]*pending
	started bool
	closed  bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithRecorder attaches a telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) { b.recorder = r }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New creates a Broker publishing through transport. Call Start to begin
// receiving responses.
func New(transport Transport, opts ...Option) *Broker {
	b := &Broker{
		transport: transport,
		timeout:   DefaultTimeout,
		logger:    noopLogger{},
		pending:   make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to every device event topic.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	filter := mqtt.Topics{}.AllDeviceEvents()
	if err := b.transport.Subscribe(filter, b.transport.QoS(), b.HandleResponse); err != nil {
		return fmt.Errorf("broker: subscribing to %s: %w", filter, err)
	}
	b.started = true
	b.logger.Info("broker listening for responses", "topic", filter)
	return nil
}

// Close stops receiving responses and fails every pending request with
// ErrClosed. It is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	inflight := b.pending
	b.pending = make(map[string]*pending)
	b.mu.Unlock()

	for _, p := range inflight {
		p.result <- result{err: ErrClosed}
	}
	if len(inflight) > 0 {
		b.logger.Warn("broker closed with requests in flight", "count", len(inflight))
	}

	if started {
		if err := b.transport.Unsubscribe(mqtt.Topics{}.AllDeviceEvents()); err != nil {
			return fmt.Errorf("broker: unsubscribing: %w", err)
		}
	}
	return nil
}

// Pending returns the number of in-flight requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Send publishes cmd to topic and waits for the response with the same
// req_id. A non-positive timeout uses the broker default.
//
// Errors: ErrTimeout when nothing arrives in time, ctx.Err() wrapped when
// ctx ends first, ErrClosed when the broker shuts down, ErrDuplicateRequest
// when req_id is already in flight, or the wrapped publish error. A failed
// response envelope is not an error; inspect resp.Success.
func (b *Broker) Send(ctx context.Context, topic string, cmd *envelope.Command, timeout time.Duration) (*envelope.Response, error) {
	if cmd == nil || cmd.ReqID == "" {
		return nil, ErrInvalidCommand
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("broker: encoding command: %w", err)
	}

	now := time.Now()
	p := &pending{
		reqID:     cmd.ReqID,
		createdAt: now,
		deadline:  now.Add(timeout),
		result:    make(chan result, 1),
		action:    cmd.Action,
		actor:     cmd.Actor,
	}
	if t, ok := mqtt.ParseDeviceTopic(topic); ok {
		p.deviceID, p.module = t.DeviceID, t.Module
	}

	if err := b.register(p); err != nil {
		return nil, err
	}
	b.metrics.sent(p.module)

	if err := b.transport.Publish(topic, payload, b.transport.QoS(), false); err != nil {
		b.remove(p.reqID)
		b.finish(p, OutcomeError)
		return nil, fmt.Errorf("broker: publishing %s: %w", topic, err)
	}
	b.logger.Debug("command sent",
		"req_id", p.reqID,
		"topic", topic,
		"action", p.action,
		"actor", p.actor,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-p.result:
	case <-timer.C:
		res = b.abandon(p, result{err: fmt.Errorf("%w after %s (req_id %s)", ErrTimeout, timeout, p.reqID)})
	case <-ctx.Done():
		res = b.abandon(p, result{err: fmt.Errorf("broker: waiting for %s: %w", p.reqID, ctx.Err())})
	}

	b.finish(p, outcomeOf(res))
	return res.resp, res.err
}

// HandleResponse is the bus callback for device event topics. It resolves
// the matching pending request; anything else is discarded.
func (b *Broker) HandleResponse(topic string, payload []byte) error {
	resp, err := envelope.DecodeResponse(payload)
	if err != nil {
		b.metrics.discarded(discardMalformed)
		b.logger.Warn("discarding malformed response", "topic", topic, "error", err)
		return nil
	}

	p, ok := b.take(resp.ReqID)
	if !ok {
		b.metrics.discarded(discardUnknown)
		b.logger.Debug("discarding response with no pending request",
			"topic", topic,
			"req_id", resp.ReqID,
		)
		return nil
	}

	// Buffer of one and a single remover make this send non-blocking.
	p.result <- result{resp: resp}
	return nil
}

func (b *Broker) register(p *pending) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, exists := b.pending[p.reqID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, p.reqID)
	}
	b.pending[p.reqID] = p
	return nil
}

// take removes and returns the pending entry for reqID.
func (b *Broker) take(reqID string) (*pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[reqID]
	if ok {
		delete(b.pending, reqID)
	}
	return p, ok
}

func (b *Broker) remove(reqID string) bool {
	_, ok := b.take(reqID)
	return ok
}

// abandon removes p after a timeout or cancellation. If a response or
// Close already claimed p, that result wins.
func (b *Broker) abandon(p *pending, fallback result) result {
	if b.remove(p.reqID) {
		return fallback
	}
	return <-p.result
}

func (b *Broker) finish(p *pending, outcome string) {
	latency := time.Since(p.createdAt)
	b.metrics.finished(p.module, outcome, latency.Seconds())

	switch outcome {
	case OutcomeTimeout:
		b.logger.Warn("command timed out, outcome unknown",
			"req_id", p.reqID,
			"device_id", p.deviceID,
			"module", p.module,
			"action", p.action,
		)
	case OutcomeOK, OutcomeFailed:
		b.logger.Debug("command completed",
			"req_id", p.reqID,
			"outcome", outcome,
			"latency_ms", latency.Milliseconds(),
		)
	}

	if b.recorder != nil {
		b.recorder.RecordCommand(Outcome{
			DeviceID: p.deviceID,
			Module:   p.module,
			Action:   p.action,
			Actor:    p.actor,
			Result:   outcome,
			Latency:  latency,
			Time:     p.createdAt,
		})
	}
}

func outcomeOf(res result) string {
	switch {
	case res.err == nil && res.resp.Success:
		return OutcomeOK
	case res.err == nil:
		return OutcomeFailed
	case errors.Is(res.err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(res.err, ErrClosed):
		return OutcomeClosed
	case errors.Is(res.err, context.Canceled), errors.Is(res.err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
