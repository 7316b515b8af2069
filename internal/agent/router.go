package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// Response texts sent back to the orchestrator.
const (
	msgModuleNotLoaded = "module not loaded"
	msgInternalError   = "internal module error"
	msgUnknownAction   = "Unknown action: "
	msgInvalidParams   = "invalid params: "
	msgMalformed       = "malformed command: "
)

// State is where a command ended up.
type State string

// Command states. Every command starts received and is dispatched once a
// module is found; it finishes completed, failed or unknown_action.
const (
	StateReceived      State = "received"
	StateDispatched    State = "dispatched"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateUnknownAction State = "unknown_action"
)

// Transport is the slice of the MQTT client the router uses.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	QoS() byte
}

// Modules is the extension registry as seen by the router.
type Modules interface {
	Lookup(name string) (extension.Extension, *extension.Definition, bool)
	Definitions() []*extension.Definition
	Reload(ctx context.Context, name string, rc extension.RuntimeContext) error
}

// Logger defines the logging interface used by the Router.
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

// Router dispatches bus commands to loaded modules.
//
// Thread Safety: HandleMessage may run concurrently for different messages;
// modules must tolerate concurrent HandleCommand calls.
type Router struct {
	deviceID  string
	modules   Modules
	transport Transport
	runtime   extension.RuntimeContext
	timeout   time.Duration
	bootTime  time.Time
	metrics   *Metrics
	logger    Logger

	// ctx is cancelled on Stop so in-flight handlers can abort.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithCommandTimeout bounds each handler call. Zero means no bound.
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithRuntimeContext sets what "agent reload" passes to the registry.
func WithRuntimeContext(rc extension.RuntimeContext) Option {
	return func(r *Router) { r.runtime = rc }
}

// NewRouter creates a router for deviceID. Call Start to subscribe.
func NewRouter(deviceID string, modules Modules, transport Transport, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		deviceID:  deviceID,
		modules:   modules,
		transport: transport,
		runtime:   extension.RuntimeContext{DeviceID: deviceID},
		bootTime:  time.Now(),
		logger:    noopLogger{},
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to this device's command topics.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	filter := mqtt.Topics{}.AllDeviceCommands(r.deviceID)
	if err := r.transport.Subscribe(filter, r.transport.QoS(), r.HandleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	r.started = true
	r.logger.Info("router listening", "device_id", r.deviceID, "topic", filter)
	return nil
}

// Stop unsubscribes, cancels in-flight handlers and waits for them to
// publish their responses. Safe to call multiple times.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()

		if started {
			if err := r.transport.Unsubscribe(mqtt.Topics{}.AllDeviceCommands(r.deviceID)); err != nil {
				r.logger.Warn("unsubscribe failed", "error", err)
			}
		}
		r.cancel()
		r.wg.Wait()
		r.logger.Info("router stopped")
	})
}

// HandleMessage is the bus callback for command topics.
func (r *Router) HandleMessage(topic string, payload []byte) error {
	r.wg.Add(1)
	defer r.wg.Done()

	t, ok := mqtt.ParseDeviceTopic(topic)
	if !ok || t.Kind != mqtt.SuffixCommand || t.DeviceID != r.deviceID {
		r.metrics.dropped()
		r.logger.Warn("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	cmd, err := envelope.DecodeCommand(payload)
	if err != nil {
		reqID := envelope.PeekReqID(payload)
		if cmd != nil {
			reqID = cmd.ReqID
		}
		if reqID == "" {
			r.metrics.dropped()
			r.logger.Warn("dropping malformed command", "topic", topic, "error", err)
			return nil
		}
		r.metrics.handled(t.Module, StateFailed, 0)
		r.logger.Warn("malformed command", "topic", topic, "req_id", reqID, "error", err)
		return r.respond(t.Module, envelope.Failed(reqID, msgMalformed+err.Error()))
	}

	return r.respond(t.Module, r.Dispatch(t.Module, cmd))
}

// Dispatch runs cmd against module and builds its response. It never
// returns nil.
func (r *Router) Dispatch(module string, cmd *envelope.Command) *envelope.Response {
	start := time.Now()
	log := r.logger
	log.Debug("command received",
		"state", StateReceived,
		"req_id", cmd.ReqID,
		"module", module,
		"action", cmd.Action,
		"actor", cmd.Actor,
		"params", logging.RedactParams(cmd.Params.Any()),
	)

	resp, state := r.dispatch(module, cmd)
	r.metrics.handled(module, state, time.Since(start).Seconds())

	switch state {
	case StateCompleted:
		log.Info("command completed", "req_id", cmd.ReqID, "module", module, "action", cmd.Action,
			"duration_ms", time.Since(start).Milliseconds())
	case StateUnknownAction:
		log.Info("unknown action", "req_id", cmd.ReqID, "module", module, "action", cmd.Action)
	default:
		log.Warn("command failed", "req_id", cmd.ReqID, "module", module, "action", cmd.Action,
			"error", resp.ErrorMessage())
	}
	return resp
}

func (r *Router) dispatch(module string, cmd *envelope.Command) (*envelope.Response, State) {
	if module == ControlModule {
		return r.handleControl(cmd)
	}

	ext, def, ok := r.modules.Lookup(module)
	if !ok {
		return envelope.Failed(cmd.ReqID, msgModuleNotLoaded), StateFailed
	}

	// An empty action list leaves the decision to the handler.
	if len(def.Actions) > 0 {
		if _, declared := def.Action(cmd.Action); !declared {
			return envelope.Failed(cmd.ReqID, msgUnknownAction+cmd.Action), StateUnknownAction
		}
	}
	if err := def.ValidateParams(cmd.Action, cmd.Params.Any()); err != nil {
		detail := strings.TrimPrefix(err.Error(), extension.ErrInvalidParams.Error()+": ")
		return envelope.Failed(cmd.ReqID, msgInvalidParams+detail), StateFailed
	}

	r.logger.Debug("command dispatched", "state", StateDispatched, "req_id", cmd.ReqID, "module", module)
	result, err := r.invoke(ext, module, cmd)
	switch {
	case err == nil:
		return envelope.Succeeded(cmd.ReqID, result.Data), StateCompleted
	case errors.Is(err, extension.ErrUnknownAction):
		return envelope.Failed(cmd.ReqID, msgUnknownAction+cmd.Action), StateUnknownAction
	default:
		return envelope.Failed(cmd.ReqID, err.Error()), StateFailed
	}
}

// invoke calls the handler, converting a panic into a generic error.
func (r *Router) invoke(ext extension.Extension, module string, cmd *envelope.Command) (result extension.Result, err error) {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("module handler panicked",
				"module", module,
				"action", cmd.Action,
				"req_id", cmd.ReqID,
				"panic", fmt.Sprint(p),
			)
			result, err = extension.Result{}, errors.New(msgInternalError)
		}
	}()

	return ext.HandleCommand(ctx, cmd.Action, cmd.Params.Clone())
}

func (r *Router) respond(module string, resp *envelope.Response) error {
	topic := mqtt.Topics{}.DeviceEvent(r.deviceID, module)
	payload, err := json.Marshal(resp)
	if err != nil {
		// Module data that does not encode still gets an answer.
		r.logger.Error("response data not encodable", "req_id", resp.ReqID, "module", module, "error", err)
		payload, err = json.Marshal(envelope.Failed(resp.ReqID, msgInternalError))
		if err != nil {
			return fmt.Errorf("encode response %s: %w", resp.ReqID, err)
		}
	}
	if err := r.transport.Publish(topic, payload, r.transport.QoS(), false); err != nil {
		return fmt.Errorf("publish response %s: %w", resp.ReqID, err)
	}
	return nil
}
