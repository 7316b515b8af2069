// Package plugin is the orchestrator side of a module: the façade that
// turns HTTP and control-topic requests into device commands.
//
// A Facade checks the live device registry before anything reaches the
// bus. Commands for unknown devices, devices that do not run the module, or
// devices reserved by someone else are rejected without publishing:
//
//	resp, err := f.Command(ctx, plugin.CommandRequest{
//	    DeviceID: "proj-01",
//	    Actor:    "alice",
//	    Action:   "power_on",
//	})
//	switch {
//	case errors.Is(err, plugin.ErrReservationConflict):
//	    // 409
//	case errors.Is(err, broker.ErrTimeout):
//	    // 504, outcome unknown
//	case !resp.Success:
//	    // 502 with resp.Error
//	}
//
// Reference plugins live in sub-packages (ndi, projector). They embed a
// *Facade, declare their HTTP routes and are built through the same
// extension factory table as device modules.
//
// Control topics (/lab/orchestrator/{module}/cmd) are routed by a single
// ControlDispatcher subscription so plugin reloads never race on
// subscribe/unsubscribe of the same filter.
package plugin
