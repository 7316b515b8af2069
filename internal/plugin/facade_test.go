package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/lab-platform/internal/broker"
	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt"
	"github.com/nerrad567/lab-platform/internal/infrastructure/mqtt/mqtttest"
)

var topics = mqtt.Topics{}

var projectorActions = []string{"power_on", "power_off", "set_input", "send_raw_command"}

type fixture struct {
	bus     *mqtttest.Bus
	devices *device.Registry
	broker  *broker.Broker
	facade  *Facade
}

// newFixture registers proj-01 (projector) and ndi-01 (ndi) and returns a
// projector façade wired to a started broker on an in-memory bus.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := mqtttest.New()
	b := broker.New(bus)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Close() })

	devices := device.NewRegistry()
	devices.Register("proj-01", []string{"projector"})
	devices.Register("ndi-01", []string{"ndi"})

	return &fixture{
		bus:     bus,
		devices: devices,
		broker:  b,
		facade: &Facade{
			Module:      "projector",
			Devices:     devices,
			Broker:      b,
			Timeout:     time.Second,
			Passthrough: projectorActions,
			Publisher:   bus,
		},
	}
}

// answer makes the bus reply to device commands with respond's result.
// A nil result means no reply.
func (f *fixture) answer(t *testing.T, respond func(*envelope.Command) *envelope.Response) {
	t.Helper()
	require.NoError(t, f.bus.Subscribe("/lab/device/+/+/cmd", 1, func(topic string, payload []byte) error {
		dt, ok := mqtt.ParseDeviceTopic(topic)
		if !ok {
			return fmt.Errorf("bad topic %s", topic)
		}
		cmd, err := envelope.DecodeCommand(payload)
		if err != nil {
			return err
		}
		resp := respond(cmd)
		if resp == nil {
			return nil
		}
		return f.bus.PublishJSON(topics.DeviceEvent(dt.DeviceID, dt.Module), resp)
	}))
}

func (f *fixture) deviceCommands() []mqtttest.Message {
	return f.bus.Messages("/lab/device/+/+/cmd")
}

func echo(cmd *envelope.Command) *envelope.Response {
	return envelope.Succeeded(cmd.ReqID, map[string]any{"action": cmd.Action, "actor": cmd.Actor})
}

func TestCommand_Success(t *testing.T) {
	f := newFixture(t)
	f.answer(t, echo)

	resp, err := f.facade.Command(context.Background(), CommandRequest{
		DeviceID: "proj-01",
		Actor:    "alice",
		Action:   "set_input",
		Params:   envelope.Params{"input": envelope.String("HDMI1")},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "set_input", resp.Data["action"])
	assert.Equal(t, "alice", resp.Data["actor"])

	sent := f.bus.Messages(topics.DeviceCommand("proj-01", "projector"))
	require.Len(t, sent, 1)
	var cmd envelope.Command
	require.NoError(t, json.Unmarshal(sent[0].Payload, &cmd))
	assert.Equal(t, resp.ReqID, cmd.ReqID)
	assert.Equal(t, "proj-01", cmd.Params["device_id"].Text())
	assert.Equal(t, "HDMI1", cmd.Params["input"].Text())
}

func TestCommand_DefaultActor(t *testing.T) {
	f := newFixture(t)
	f.answer(t, echo)

	resp, err := f.facade.Command(context.Background(), CommandRequest{DeviceID: "proj-01", Action: "power_on"})
	require.NoError(t, err)
	assert.Equal(t, ActorAPI, resp.Data["actor"])
}

func TestCommand_DoesNotMutateParams(t *testing.T) {
	f := newFixture(t)
	f.answer(t, echo)

	params := envelope.Params{"input": envelope.String("HDMI2")}
	_, err := f.facade.Command(context.Background(), CommandRequest{DeviceID: "proj-01", Action: "set_input", Params: params})
	require.NoError(t, err)
	assert.False(t, params.Has("device_id"))
}

func TestCommand_RejectedBeforePublish(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*device.Registry)
		req     CommandRequest
		wantErr error
	}{
		{
			name:    "unknown device",
			req:     CommandRequest{DeviceID: "ghost", Action: "power_on"},
			wantErr: ErrUnknownDevice,
		},
		{
			name:    "device without module",
			req:     CommandRequest{DeviceID: "ndi-01", Action: "power_on"},
			wantErr: ErrUnsupported,
		},
		{
			name:    "reserved by another actor",
			setup:   func(r *device.Registry) { r.Reserve("proj-01", "bob") },
			req:     CommandRequest{DeviceID: "proj-01", Actor: "alice", Action: "power_on"},
			wantErr: ErrReservationConflict,
		},
		{
			name:    "missing action",
			req:     CommandRequest{DeviceID: "proj-01"},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "missing device",
			req:     CommandRequest{Action: "power_on"},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.answer(t, echo)
			if tt.setup != nil {
				tt.setup(f.devices)
			}

			resp, err := f.facade.Command(context.Background(), tt.req)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.deviceCommands(), "nothing may be published")
		})
	}
}

func TestCommand_HolderMayUseReservedDevice(t *testing.T) {
	f := newFixture(t)
	f.answer(t, echo)
	require.True(t, f.devices.Reserve("proj-01", "alice"))

	resp, err := f.facade.Command(context.Background(), CommandRequest{DeviceID: "proj-01", Actor: "alice", Action: "power_off"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestCommand_FailedResponse(t *testing.T) {
	f := newFixture(t)
	f.answer(t, func(cmd *envelope.Command) *envelope.Response {
		return envelope.Failed(cmd.ReqID, "serial port not available")
	})

	resp, err := f.facade.Command(context.Background(), CommandRequest{DeviceID: "proj-01", Action: "power_on"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "serial port not available", resp.ErrorMessage())
}

func TestCommand_Timeout(t *testing.T) {
	f := newFixture(t)
	f.answer(t, func(*envelope.Command) *envelope.Response { return nil })
	f.facade.Timeout = 30 * time.Millisecond

	resp, err := f.facade.Command(context.Background(), CommandRequest{DeviceID: "proj-01", Action: "power_on"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, broker.ErrTimeout)
	assert.Equal(t, 0, f.broker.Pending())
}

func TestReserveRelease(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.facade.Reserve("proj-01", "alice", time.Minute))
	require.NoError(t, f.facade.Reserve("proj-01", "alice", time.Minute), "renewal by the holder")
	assert.ErrorIs(t, f.facade.Reserve("proj-01", "bob", 0), ErrReservationConflict)
	assert.ErrorIs(t, f.facade.Release("proj-01", "bob"), ErrNotOwner)
	require.NoError(t, f.facade.Release("proj-01", "alice"))
	assert.ErrorIs(t, f.facade.Release("proj-01", "alice"), ErrNotOwner)

	assert.ErrorIs(t, f.facade.Reserve("ghost", "alice", 0), ErrUnknownDevice)
	assert.ErrorIs(t, f.facade.Reserve("ndi-01", "alice", 0), ErrUnsupported)
	assert.ErrorIs(t, f.facade.Reserve("proj-01", "", 0), ErrInvalidRequest)
}

func TestListDevicesAndStatus(t *testing.T) {
	f := newFixture(t)
	f.devices.Register("proj-02", []string{"projector", "ndi"})

	devices := f.facade.ListDevices()
	require.Len(t, devices, 2)
	assert.Equal(t, "proj-01", devices[0].ID)
	assert.Equal(t, "proj-02", devices[1].ID)

	status := f.facade.Status()
	assert.Equal(t, "projector", status["plugin"])
	assert.Equal(t, 3, status["registry"].(device.Stats).Total)
}

func TestHandleCommand(t *testing.T) {
	f := newFixture(t)
	f.answer(t, func(cmd *envelope.Command) *envelope.Response {
		if cmd.Action == "power_off" {
			return envelope.Failed(cmd.ReqID, "projector is cooling down")
		}
		return echo(cmd)
	})
	ctx := context.Background()

	res, err := f.facade.HandleCommand(ctx, ActionReserve, envelope.Params{
		"device_id": envelope.String("proj-01"),
		"actor":     envelope.String("alice"),
		"lease_s":   envelope.Int(30),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Data["holder"])
	dev, _ := f.devices.Get("proj-01")
	require.NotNil(t, dev.Reservation)
	assert.Equal(t, 30*time.Second, dev.Reservation.ExpiresAt.Sub(dev.Reservation.AcquiredAt))

	res, err = f.facade.HandleCommand(ctx, "power_on", envelope.Params{
		"device_id": envelope.String("proj-01"),
		"actor":     envelope.String("alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, "power_on", res.Data["action"])

	_, err = f.facade.HandleCommand(ctx, "power_on", envelope.Params{"device_id": envelope.String("proj-01")})
	assert.ErrorIs(t, err, ErrReservationConflict, "default actor is not the holder")

	_, err = f.facade.HandleCommand(ctx, "power_off", envelope.Params{
		"device_id": envelope.String("proj-01"),
		"actor":     envelope.String("alice"),
	})
	require.Error(t, err)
	assert.Equal(t, "projector is cooling down", err.Error())

	res, err = f.facade.HandleCommand(ctx, ActionDevices, nil)
	require.NoError(t, err)
	assert.Len(t, res.Data["devices"], 1)

	_, err = f.facade.HandleCommand(ctx, ActionRelease, envelope.Params{
		"device_id": envelope.String("proj-01"),
		"actor":     envelope.String("alice"),
	})
	require.NoError(t, err)

	_, err = f.facade.HandleCommand(ctx, "self_destruct", envelope.Params{"device_id": envelope.String("proj-01")})
	assert.True(t, errors.Is(err, extension.ErrUnknownAction))

	assert.NoError(t, f.facade.Shutdown(ctx))
}

func TestHandleCommand_NegativeLease(t *testing.T) {
	f := newFixture(t)

	_, err := f.facade.HandleCommand(context.Background(), ActionReserve, envelope.Params{
		"device_id": envelope.String("proj-01"),
		"actor":     envelope.String("alice"),
		"lease_s":   envelope.Int(-5),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, "", f.devices.Holder("proj-01"))
}

func TestHostNewFacade(t *testing.T) {
	host := Host{
		Devices: device.NewRegistry(),
		Timeout: 5 * time.Second,
		Lease:   2 * time.Minute,
	}

	f := host.NewFacade(extension.FactoryContext{Name: "ndi", Config: extension.Config{}}, []string{"start"})
	assert.Equal(t, "ndi", f.Module)
	assert.Equal(t, 5*time.Second, f.Timeout)
	assert.Equal(t, 2*time.Minute, f.Lease)
	assert.Equal(t, []string{"start"}, f.Passthrough)

	f = host.NewFacade(extension.FactoryContext{Name: "ndi", Config: extension.Config{
		"request_timeout": "750ms",
		"default_lease":   90,
	}}, nil)
	assert.Equal(t, 750*time.Millisecond, f.Timeout)
	assert.Equal(t, 90*time.Second, f.Lease)
}
