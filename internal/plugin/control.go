package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// Ack texts sent on /lab/orchestrator/{module}/evt.
const (
	ackNoReqID        = "no-req"
	ackDeviceRequired = "device_id required"
	ackUnsupported    = "Unsupported action: "
	ackMalformed      = "malformed command: "
	ackNotLoaded      = "plugin not loaded"
)

// Reservation failure texts, used by acks and by the device HTTP routes.
const (
	MsgDeviceInUse = "Device is already in use"
	MsgNotOwner    = "You don't own this device"
)

// HandleControl answers one message from /lab/orchestrator/{module}/cmd
// with an ack on /lab/orchestrator/{module}/evt.
//
// Passthrough actions are forwarded to the device unchanged apart from
// params.device_id and acked DISPATCHED; the device response arrives on its
// own evt topic. reserve and release are answered from the registry.
func (f *Facade) HandleControl(topic string, payload []byte) error {
	cmd, err := envelope.DecodeCommand(payload)
	if err != nil {
		reqID := envelope.PeekReqID(payload)
		if reqID == "" {
			reqID = ackNoReqID
		}
		f.log().Warn("malformed control command", "topic", topic, "error", err)
		return f.ack(reqID, false, envelope.AckError, ackMalformed+err.Error())
	}

	actor := cmd.Actor
	if actor == "" {
		actor = ActorApp
	}

	if cmd.Action == ActionSchedule && f.Scheduler != nil {
		return f.controlSchedule(cmd, actor)
	}
	if cmd.Action != ActionReserve && cmd.Action != ActionRelease && !f.isPassthrough(cmd.Action) {
		return f.ack(cmd.ReqID, false, envelope.AckBadAction, ackUnsupported+cmd.Action)
	}

	deviceID, err := cmd.Params.String("device_id", "")
	if err != nil {
		return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
	}
	if deviceID == "" {
		return f.ack(cmd.ReqID, false, envelope.AckError, ackDeviceRequired)
	}

	switch cmd.Action {
	case ActionReserve:
		lease, err := f.leaseParam(cmd.Params)
		if err != nil {
			return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
		}
		err = f.Reserve(deviceID, actor, lease)
		switch {
		case err == nil:
			return f.ack(cmd.ReqID, true, envelope.AckOK, "")
		case errors.Is(err, ErrReservationConflict):
			return f.ack(cmd.ReqID, false, envelope.AckInUse, MsgDeviceInUse)
		default:
			return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
		}

	case ActionRelease:
		err := f.Release(deviceID, actor)
		switch {
		case err == nil:
			return f.ack(cmd.ReqID, true, envelope.AckOK, "")
		case errors.Is(err, ErrNotOwner):
			return f.ack(cmd.ReqID, false, envelope.AckNotOwner, MsgNotOwner)
		default:
			return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
		}

	default:
		return f.forward(cmd, deviceID, actor)
	}
}

// controlSchedule registers a schedule request and acks SCHEDULED. The
// device commands are checked against reservations when they fire.
func (f *Facade) controlSchedule(cmd *envelope.Command, actor string) error {
	req, err := ScheduleRequestFromParams(cmd.Params)
	if err != nil {
		return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
	}
	job, err := f.Schedule(actor, req)
	if err != nil {
		return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
	}
	f.log().Info("control schedule accepted", "req_id", cmd.ReqID, "job_id", job.ID, "actor", actor)
	return f.ack(cmd.ReqID, true, envelope.AckScheduled, "")
}

func (f *Facade) forward(cmd *envelope.Command, deviceID, actor string) error {
	if err := f.authorize(deviceID, actor); err != nil {
		if errors.Is(err, ErrReservationConflict) {
			return f.ack(cmd.ReqID, false, envelope.AckInUse, MsgDeviceInUse)
		}
		return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
	}

	out := *cmd
	out.Actor = actor
	out.Params = cmd.Params.Clone()
	out.Params["device_id"] = envelope.String(deviceID)

	payload, err := json.Marshal(&out)
	if err != nil {
		return f.ack(cmd.ReqID, false, envelope.AckError, err.Error())
	}
	topic := mqtt.Topics{}.DeviceCommand(deviceID, f.Module)
	if err := f.Publisher.Publish(topic, payload, 1, false); err != nil {
		f.log().Error("forwarding control command failed", "req_id", cmd.ReqID, "topic", topic, "error", err)
		if ackErr := f.ack(cmd.ReqID, false, envelope.AckError, err.Error()); ackErr != nil {
			return errors.Join(err, ackErr)
		}
		return fmt.Errorf("forward %s: %w", cmd.ReqID, err)
	}

	f.log().Debug("control command forwarded", "req_id", cmd.ReqID, "device_id", deviceID, "action", cmd.Action)
	return f.ack(cmd.ReqID, true, envelope.AckDispatched, "")
}

func (f *Facade) ack(reqID string, ok bool, code, errMsg string) error {
	return publishAck(f.Publisher, f.Module, envelope.NewAck(reqID, ok, code, errMsg))
}

func publishAck(p Publisher, module string, a *envelope.Ack) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	if err := p.Publish(mqtt.Topics{}.OrchestratorEvent(module), payload, 1, false); err != nil {
		return fmt.Errorf("publish ack %s: %w", a.ReqID, err)
	}
	return nil
}

// ControlHandler is implemented by plugins that answer control topics.
type ControlHandler interface {
	HandleControl(topic string, payload []byte) error
}

// Lookup finds a loaded plugin by name. *extension.Registry implements it.
type Lookup interface {
	Get(name string) (extension.Extension, bool)
}

// Transport is the slice of the MQTT client the dispatcher uses.
type Transport interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	QoS() byte
}

// ControlDispatcher owns the /lab/orchestrator/+/cmd subscription and
// hands each message to the plugin named in the topic. The plugin is looked
// up per message, so a reloaded plugin takes over without resubscribing.
type ControlDispatcher struct {
	plugins   Lookup
	transport Transport
	logger    Logger

	mu      sync.Mutex
	started bool
}

// NewControlDispatcher creates a dispatcher. Call Start to subscribe.
func NewControlDispatcher(plugins Lookup, transport Transport, logger Logger) *ControlDispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ControlDispatcher{plugins: plugins, transport: transport, logger: logger}
}

// ControlFilter matches every plugin control topic.
func ControlFilter() string {
	return mqtt.TopicPrefixOrchestrator + "/+/" + mqtt.SuffixCommand
}

// Start subscribes to the control topics.
func (d *ControlDispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if err := d.transport.Subscribe(ControlFilter(), d.transport.QoS(), d.HandleMessage); err != nil {
		return fmt.Errorf("subscribe to control topics: %w", err)
	}
	d.started = true
	return nil
}

// Stop unsubscribes.
func (d *ControlDispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	return d.transport.Unsubscribe(ControlFilter())
}

// HandleMessage is the bus callback for control topics.
func (d *ControlDispatcher) HandleMessage(topic string, payload []byte) error {
	module, kind, ok := mqtt.ParseOrchestratorTopic(topic)
	if !ok || kind != mqtt.SuffixCommand {
		d.logger.Warn("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	if ext, found := d.plugins.Get(module); found {
		if h, ok := ext.(ControlHandler); ok {
			return h.HandleControl(topic, payload)
		}
	}

	reqID := envelope.PeekReqID(payload)
	if reqID == "" {
		reqID = ackNoReqID
	}
	d.logger.Warn("control command for unknown plugin", "module", module, "req_id", reqID)
	return publishAck(d.transport, module, envelope.NewAck(reqID, false, envelope.AckError, ackNotLoaded))
}
