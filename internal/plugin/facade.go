package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
)

// DefaultLease applies to control-topic reservations that carry no lease_s.
const DefaultLease = 60 * time.Second

// Default actors for requests that do not name one.
const (
	ActorAPI = "api"
	ActorApp = "app"
)

// Actions every plugin answers besides its passthrough list.
const (
	ActionReserve = "reserve"
	ActionRelease = "release"
	ActionDevices = "devices"
)

// Sender sends one command and waits for its response.
// *broker.Broker implements it.
type Sender interface {
	Send(ctx context.Context, topic string, cmd *envelope.Command, timeout time.Duration) (*envelope.Response, error)
}

// Publisher publishes raw bus messages.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger defines the logging interface used by the Facade.
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

// Facade is the orchestrator-side entry point for one module.
//
// All methods are safe for concurrent use; the fields must not change
// after the first call.
type Facade struct {
	// Module is the module name on the device side, e.g. "projector".
	Module string

	Devices *device.Registry
	Broker  Sender

	// Timeout bounds each command. Zero uses the broker default.
	Timeout time.Duration

	// Lease applies to control-topic reservations without lease_s.
	// Zero means DefaultLease.
	Lease time.Duration

	// Passthrough lists the actions the control topic forwards to devices
	// and HandleCommand sends through the broker.
	Passthrough []string

	// Scheduler enables the schedule action. Nil means the plugin does
	// not schedule commands.
	Scheduler Scheduler

	Logger    Logger
	Publisher Publisher
}

// CommandRequest is one device command as the façade receives it.
type CommandRequest struct {
	DeviceID string
	// Actor is checked against the device reservation. Empty means ActorAPI.
	Actor  string
	Action string
	Params envelope.Params
}

func (f *Facade) log() Logger {
	if f.Logger == nil {
		return noopLogger{}
	}
	return f.Logger
}

// Device returns the registry entry for id if it runs this module.
func (f *Facade) Device(id string) (device.Device, error) {
	if id == "" {
		return device.Device{}, fmt.Errorf("%w: device_id is required", ErrInvalidRequest)
	}
	d, ok := f.Devices.Get(id)
	if !ok {
		return device.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if !d.HasCapability(f.Module) {
		return d, fmt.Errorf("%w: %s does not run %s", ErrUnsupported, id, f.Module)
	}
	return d, nil
}

// ListDevices returns the devices that run this module.
func (f *Facade) ListDevices() []device.Device {
	return f.Devices.ListByCapability(f.Module)
}

// Status summarises the plugin for its /status route.
func (f *Facade) Status() map[string]any {
	return map[string]any{
		"plugin":   f.Module,
		"devices":  f.ListDevices(),
		"registry": f.Devices.GetStats(),
	}
}

// authorize checks that actor may send commands to id.
func (f *Facade) authorize(id, actor string) error {
	if _, err := f.Device(id); err != nil {
		return err
	}
	if !f.Devices.CanUse(id, actor) {
		return fmt.Errorf("%w: %s is held by %s", ErrReservationConflict, id, f.Devices.Holder(id))
	}
	return nil
}

// Command sends one action to a device and waits for its response.
//
// Registry checks run before anything is published. A failed response is
// returned with a nil error; errors are reserved for commands whose
// outcome is rejected or unknown (broker.ErrTimeout, broker.ErrClosed).
func (f *Facade) Command(ctx context.Context, req CommandRequest) (*envelope.Response, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidRequest)
	}
	actor := req.Actor
	if actor == "" {
		actor = ActorAPI
	}
	if err := f.authorize(req.DeviceID, actor); err != nil {
		return nil, err
	}

	params := req.Params.Clone()
	params["device_id"] = envelope.String(req.DeviceID)
	cmd := envelope.NewCommand(actor, req.Action, params)

	f.log().Debug("sending command",
		"req_id", cmd.ReqID,
		"device_id", req.DeviceID,
		"module", f.Module,
		"action", req.Action,
		"actor", actor,
	)

	topic := mqtt.Topics{}.DeviceCommand(req.DeviceID, f.Module)
	resp, err := f.Broker.Send(ctx, topic, cmd, f.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%s %s on %s: %w", f.Module, req.Action, req.DeviceID, err)
	}
	return resp, nil
}

// Reserve gives holder exclusive use of a device. A lease of zero or less
// never expires. Reserving again as the same holder renews the lease.
func (f *Facade) Reserve(deviceID, holder string, lease time.Duration) error {
	if holder == "" {
		return fmt.Errorf("%w: holder is required", ErrInvalidRequest)
	}
	if _, err := f.Device(deviceID); err != nil {
		return err
	}
	if !f.Devices.ReserveFor(deviceID, holder, lease) {
		return fmt.Errorf("%w: %s is held by %s", ErrReservationConflict, deviceID, f.Devices.Holder(deviceID))
	}
	f.log().Info("device reserved", "device_id", deviceID, "holder", holder, "lease", lease)
	return nil
}

// Release ends holder's reservation of a device.
func (f *Facade) Release(deviceID, holder string) error {
	if holder == "" {
		return fmt.Errorf("%w: holder is required", ErrInvalidRequest)
	}
	if _, err := f.Device(deviceID); err != nil {
		return err
	}
	if !f.Devices.Release(deviceID, holder) {
		return fmt.Errorf("%w: %s", ErrNotOwner, deviceID)
	}
	f.log().Info("device released", "device_id", deviceID, "holder", holder)
	return nil
}

func (f *Facade) lease() time.Duration {
	if f.Lease == 0 {
		return DefaultLease
	}
	return f.Lease
}

// leaseParam reads lease_s, defaulting to the façade lease. Zero never
// lapses; negative values are rejected.
func (f *Facade) leaseParam(p envelope.Params) (time.Duration, error) {
	leaseS, err := p.Int("lease_s", int64(f.lease()/time.Second))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if leaseS < 0 {
		return 0, fmt.Errorf("%w: lease_s must not be negative", ErrInvalidRequest)
	}
	return time.Duration(leaseS) * time.Second, nil
}

func (f *Facade) isPassthrough(action string) bool {
	return slices.Contains(f.Passthrough, action)
}

// HandleCommand makes a Facade usable as an extension instance: it answers
// devices, reserve and release itself and sends passthrough actions to the
// device named by params.device_id.
func (f *Facade) HandleCommand(ctx context.Context, action string, params envelope.Params) (extension.Result, error) {
	deviceID, err := params.String("device_id", "")
	if err != nil {
		return extension.Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	actor, err := params.String("actor", ActorApp)
	if err != nil {
		return extension.Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	switch {
	case action == ActionDevices:
		return extension.Result{Data: map[string]any{"devices": f.ListDevices()}}, nil

	case action == ActionReserve:
		lease, err := f.leaseParam(params)
		if err != nil {
			return extension.Result{}, err
		}
		if err := f.Reserve(deviceID, actor, lease); err != nil {
			return extension.Result{}, err
		}
		return extension.Result{Data: map[string]any{"device_id": deviceID, "holder": actor, "lease_s": int64(lease / time.Second)}}, nil

	case action == ActionRelease:
		if err := f.Release(deviceID, actor); err != nil {
			return extension.Result{}, err
		}
		return extension.Result{Data: map[string]any{"device_id": deviceID}}, nil

	case f.isPassthrough(action):
		forward := params.Clone()
		delete(forward, "actor")
		resp, err := f.Command(ctx, CommandRequest{DeviceID: deviceID, Actor: actor, Action: action, Params: forward})
		if err != nil {
			return extension.Result{}, err
		}
		if !resp.Success {
			return extension.Result{}, errors.New(resp.ErrorMessage())
		}
		return extension.Result{Data: resp.Data}, nil

	default:
		return extension.Result{}, extension.UnknownAction(action)
	}
}

// Shutdown implements extension.Extension. The façade holds no resources;
// control subscriptions belong to the ControlDispatcher.
func (f *Facade) Shutdown(context.Context) error {
	return nil
}
