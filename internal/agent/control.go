package agent

import (
	"errors"
	"time"

	"github.com/nerrad567/lab-platform/internal/envelope"
	"github.com/nerrad567/lab-platform/internal/extension"
)

// ControlModule is the reserved module name handled by the router itself.
const ControlModule = "agent"

// Control actions.
const (
	ActionStatus = "status"
	ActionReload = "reload"
)

// handleControl answers commands addressed to the reserved agent module.
func (r *Router) handleControl(cmd *envelope.Command) (*envelope.Response, State) {
	switch cmd.Action {
	case ActionStatus:
		return envelope.Succeeded(cmd.ReqID, r.Status()), StateCompleted
	case ActionReload:
		return r.reload(cmd)
	default:
		return envelope.Failed(cmd.ReqID, msgUnknownAction+cmd.Action), StateUnknownAction
	}
}

// Status describes the agent: its device ID, loaded modules and their
// versions. It is also the payload of the "status" control action.
func (r *Router) Status() map[string]any {
	defs := r.modules.Definitions()
	names := make([]string, 0, len(defs))
	versions := make(map[string]any, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		versions[d.Name] = d.Version
	}
	return map[string]any{
		"device_id": r.deviceID,
		"modules":   names,
		"versions":  versions,
		"uptime_s":  int64(time.Since(r.bootTime).Seconds()),
	}
}

func (r *Router) reload(cmd *envelope.Command) (*envelope.Response, State) {
	name, err := cmd.Params.String("module", "")
	if err != nil || name == "" {
		return envelope.Failed(cmd.ReqID, msgInvalidParams+"module is required"), StateFailed
	}
	if name == ControlModule {
		return envelope.Failed(cmd.ReqID, "the agent module cannot be reloaded"), StateFailed
	}

	if err := r.modules.Reload(r.ctx, name, r.runtime); err != nil {
		if errors.Is(err, extension.ErrNotFound) {
			return envelope.Failed(cmd.ReqID, msgModuleNotLoaded), StateFailed
		}
		return envelope.Failed(cmd.ReqID, err.Error()), StateFailed
	}

	data := map[string]any{"module": name}
	if _, def, ok := r.modules.Lookup(name); ok {
		data["version"] = def.Version
	}
	r.logger.Info("module reloaded", "module", name, "actor", cmd.Actor)
	return envelope.Succeeded(cmd.ReqID, data), StateCompleted
}
