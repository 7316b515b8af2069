// Package projector is the orchestrator plugin for serial-controlled
// projectors.
package projector

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/plugin"
)

// EntryPoint is the manifest entry point resolved to Factory.
const EntryPoint = "projector_plugin:ProjectorPlugin"

// Passthrough lists the control-topic actions forwarded to devices.
var Passthrough = []string{
	"power_on", "power_off", "set_input", "set_aspect_ratio",
	"navigate", "adjust_image", "send_raw_command",
}

// Accepted HTTP input values.
var (
	Inputs       = []string{"HDMI1", "HDMI2"}
	AspectRatios = []string{"4:3", "16:9"}
	Directions   = []string{"UP", "DOWN", "LEFT", "RIGHT", "ENTER", "MENU", "BACK"}
)

// Image adjustments and their inclusive ranges.
var adjustRanges = map[string]int{
	"H-IMAGE-SHIFT": 100,
	"V-IMAGE-SHIFT": 100,
	"H-KEYSTONE":    40,
	"V-KEYSTONE":    40,
}

// Adjustments lists the accepted adjustment names.
var Adjustments = []string{"H-IMAGE-SHIFT", "V-IMAGE-SHIFT", "H-KEYSTONE", "V-KEYSTONE"}

// Plugin exposes projector control over HTTP and the control topic.
type Plugin struct {
	*plugin.Facade
}

// Factory returns the extension factory for the projector plugin.
func Factory(host plugin.Host) extension.Factory {
	return func(fc extension.FactoryContext) (extension.Extension, error) {
		f := host.NewFacade(fc, Passthrough)
		f.Scheduler = host.Scheduler
		return &Plugin{Facade: f}, nil
	}
}

// Routes implements plugin.RouteProvider.
func (p *Plugin) Routes(r chi.Router) {
	r.Get("/status", p.handleStatus)
	r.Get("/devices", p.handleDevices)
	r.Post("/power", p.handlePower)
	r.Post("/input", p.handleInput)
	r.Post("/aspect", p.handleAspect)
	r.Post("/navigate", p.handleNavigate)
	r.Post("/adjust", p.handleAdjust)
	r.Post("/raw", p.handleRaw)
	r.Post("/schedule", p.handleSchedule)
	r.Get("/schedules", p.handleListSchedules)
	r.Delete("/schedules/{id}", p.handleUnschedule)
}

func (p *Plugin) handleStatus(w http.ResponseWriter, _ *http.Request) {
	plugin.WriteJSON(w, http.StatusOK, p.Status())
}

func (p *Plugin) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := p.ListDevices()
	plugin.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handlePower maps {"power": "on"|"off"} to power_on/power_off.
func (p *Plugin) handlePower(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Power    string `json:"power"`
	}
	if !decode(w, r, &body) {
		return
	}
	var action string
	switch strings.ToLower(body.Power) {
	case "on":
		action = "power_on"
	case "off":
		action = "power_off"
	default:
		badRequest(w, "Power must be 'on' or 'off'")
		return
	}
	p.send(w, r, body.DeviceID, action, envelope.Params{})
}

func (p *Plugin) handleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Input    string `json:"input"`
	}
	if !decode(w, r, &body) {
		return
	}
	if !slices.Contains(Inputs, body.Input) {
		badRequest(w, "Input must be 'HDMI1' or 'HDMI2'")
		return
	}
	p.send(w, r, body.DeviceID, "set_input", envelope.Params{"input": envelope.String(body.Input)})
}

func (p *Plugin) handleAspect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Ratio    string `json:"ratio"`
	}
	if !decode(w, r, &body) {
		return
	}
	if !slices.Contains(AspectRatios, body.Ratio) {
		badRequest(w, "Aspect ratio must be '4:3' or '16:9'")
		return
	}
	p.send(w, r, body.DeviceID, "set_aspect_ratio", envelope.Params{"ratio": envelope.String(body.Ratio)})
}

func (p *Plugin) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID  string `json:"device_id"`
		Direction string `json:"direction"`
	}
	if !decode(w, r, &body) {
		return
	}
	direction := strings.ToUpper(body.Direction)
	if !slices.Contains(Directions, direction) {
		badRequest(w, "Direction must be one of: "+strings.Join(Directions, ", "))
		return
	}
	p.send(w, r, body.DeviceID, "navigate", envelope.Params{"direction": envelope.String(direction)})
}

// handleAdjust checks the value against the adjustment's range: image
// shift is -100..100 and keystone -40..40.
func (p *Plugin) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID   string `json:"device_id"`
		Adjustment string `json:"adjustment"`
		Value      *int   `json:"value"`
	}
	if !decode(w, r, &body) {
		return
	}
	adjustment := strings.ToUpper(body.Adjustment)
	limit, ok := adjustRanges[adjustment]
	if !ok {
		badRequest(w, "Adjustment must be one of: "+strings.Join(Adjustments, ", "))
		return
	}
	if body.Value == nil {
		badRequest(w, "value is required")
		return
	}
	if *body.Value < -limit || *body.Value > limit {
		kind := "Image shift"
		if strings.HasSuffix(adjustment, "KEYSTONE") {
			kind = "Keystone"
		}
		badRequest(w, fmt.Sprintf("%s value must be between %d and %d", kind, -limit, limit))
		return
	}
	p.send(w, r, body.DeviceID, "adjust_image", envelope.Params{
		"adjustment": envelope.String(adjustment),
		"value":      envelope.Int(int64(*body.Value)),
	})
}

func (p *Plugin) handleRaw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		Command  string `json:"command"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Command) == "" {
		badRequest(w, "Command cannot be empty")
		return
	}
	p.send(w, r, body.DeviceID, "send_raw_command", envelope.Params{"command": envelope.String(body.Command)})
}

// handleSchedule accepts {"at"|"cron", "commands": [...]} for the caller.
// Each command is checked against reservations when it fires.
func (p *Plugin) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body plugin.ScheduleRequest
	if !decode(w, r, &body) {
		return
	}
	job, err := p.Schedule(plugin.ActorFromRequest(r), body)
	if err != nil {
		plugin.WriteFacadeError(w, err)
		return
	}
	plugin.WriteJSON(w, http.StatusCreated, map[string]any{"ok": true, "job": job})
}

func (p *Plugin) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	jobs := p.ScheduledJobs()
	plugin.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (p *Plugin) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := p.Unschedule(plugin.ActorFromRequest(r), id); err != nil {
		plugin.WriteFacadeError(w, err)
		return
	}
	plugin.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "job_id": id})
}

func (p *Plugin) send(w http.ResponseWriter, r *http.Request, deviceID, action string, params envelope.Params) {
	if deviceID == "" {
		badRequest(w, "device_id is required")
		return
	}
	resp, err := p.Command(r.Context(), plugin.CommandRequest{
		DeviceID: deviceID,
		Actor:    plugin.ActorFromRequest(r),
		Action:   action,
		Params:   params,
	})
	plugin.WriteCommandResult(w, deviceID, action, resp, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := plugin.DecodeBody(w, r, v); err != nil {
		plugin.WriteFacadeError(w, err)
		return false
	}
	return true
}

func badRequest(w http.ResponseWriter, msg string) {
	plugin.WriteError(w, http.StatusBadRequest, plugin.CodeBadRequest, msg)
}
