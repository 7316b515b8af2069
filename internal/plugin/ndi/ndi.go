// Package ndi is the orchestrator plugin for the NDI viewer module.
package ndi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/plugin"
)

// EntryPoint is the manifest entry point resolved to Factory.
const EntryPoint = "ndi_plugin:NDIPlugin"

// Passthrough lists the control-topic actions forwarded to devices.
var Passthrough = []string{
	"start", "stop", "restart", "status",
	"set_input", "record_start", "record_stop", "list_processes",
}

// Plugin exposes NDI control over HTTP and the control topic.
type Plugin struct {
	*plugin.Facade
}

// Factory returns the extension factory for the NDI plugin.
func Factory(host plugin.Host) extension.Factory {
	return func(fc extension.FactoryContext) (extension.Extension, error) {
		return &Plugin{Facade: host.NewFacade(fc, Passthrough)}, nil
	}
}

// commandBody is the body of every command route.
type commandBody struct {
	DeviceID string         `json:"device_id"`
	Params   map[string]any `json:"params"`
}

// recordBody is the body of POST /record.
type recordBody struct {
	commandBody
	// Action is "start" or "stop".
	Action string `json:"action"`
}

// Routes implements plugin.RouteProvider.
func (p *Plugin) Routes(r chi.Router) {
	r.Get("/status", p.handleStatus)
	r.Get("/devices", p.handleDevices)
	r.Get("/devices/{id}", p.handleDevice)
	r.Post("/start", p.handleSimple("start"))
	r.Post("/stop", p.handleSimple("stop"))
	r.Post("/input", p.handleInput)
	r.Post("/record", p.handleRecord)
}

func (p *Plugin) handleStatus(w http.ResponseWriter, _ *http.Request) {
	plugin.WriteJSON(w, http.StatusOK, p.Status())
}

func (p *Plugin) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := p.ListDevices()
	plugin.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (p *Plugin) handleDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := p.Device(chi.URLParam(r, "id"))
	if err != nil {
		plugin.WriteFacadeError(w, err)
		return
	}
	plugin.WriteJSON(w, http.StatusOK, map[string]any{"device": dev})
}

func (p *Plugin) handleSimple(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body commandBody
		if err := plugin.DecodeBody(w, r, &body); err != nil {
			plugin.WriteFacadeError(w, err)
			return
		}
		p.send(w, r, body, action)
	}
}

// handleInput switches the viewer to params.source.
func (p *Plugin) handleInput(w http.ResponseWriter, r *http.Request) {
	var body commandBody
	if err := plugin.DecodeBody(w, r, &body); err != nil {
		plugin.WriteFacadeError(w, err)
		return
	}
	if source, _ := body.Params["source"].(string); source == "" {
		plugin.WriteError(w, http.StatusBadRequest, plugin.CodeBadRequest, "source parameter required")
		return
	}
	p.send(w, r, body, "set_input")
}

func (p *Plugin) handleRecord(w http.ResponseWriter, r *http.Request) {
	var body recordBody
	if err := plugin.DecodeBody(w, r, &body); err != nil {
		plugin.WriteFacadeError(w, err)
		return
	}
	var action string
	switch body.Action {
	case "start":
		action = "record_start"
	case "stop":
		action = "record_stop"
	default:
		plugin.WriteError(w, http.StatusBadRequest, plugin.CodeBadRequest, "action must be 'start' or 'stop'")
		return
	}
	p.send(w, r, body.commandBody, action)
}

func (p *Plugin) send(w http.ResponseWriter, r *http.Request, body commandBody, action string) {
	if body.DeviceID == "" {
		plugin.WriteError(w, http.StatusBadRequest, plugin.CodeBadRequest, "device_id is required")
		return
	}
	params, err := envelope.ParamsFromAny(body.Params)
	if err != nil {
		plugin.WriteError(w, http.StatusBadRequest, plugin.CodeBadRequest, fmt.Sprintf("invalid params: %v", err))
		return
	}
	resp, err := p.Command(r.Context(), plugin.CommandRequest{
		DeviceID: body.DeviceID,
		Actor:    plugin.ActorFromRequest(r),
		Action:   action,
		Params:   params,
	})
	plugin.WriteCommandResult(w, body.DeviceID, action, resp, err)
}
