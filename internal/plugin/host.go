package plugin

import (
	"time"

	"github.com/nerrad567/lab-platform/internal/device"
	"github.com/nerrad567/lab-platform/internal/extension"
)

// Host is what the orchestrator hands to every plugin factory.
type Host struct {
	Devices   *device.Registry
	Broker    Sender
	Publisher Publisher

	// Timeout and Lease are used when the plugin config does not set
	// request_timeout or default_lease.
	Timeout time.Duration
	Lease   time.Duration

	// Scheduler is handed to plugins that accept the schedule action.
	// Nil disables scheduling.
	Scheduler Scheduler
}

// NewFacade builds the façade for a plugin instance. The plugin config may
// override request_timeout and default_lease.
func (h Host) NewFacade(fc extension.FactoryContext, passthrough []string) *Facade {
	var logger Logger = noopLogger{}
	if fc.Logger != nil {
		logger = fc.Logger
	}
	return &Facade{
		Module:      fc.Name,
		Devices:     h.Devices,
		Broker:      h.Broker,
		Timeout:     fc.Config.Duration("request_timeout", h.Timeout),
		Lease:       fc.Config.Duration("default_lease", h.Lease),
		Passthrough: passthrough,
		Logger:      logger,
		Publisher:   h.Publisher,
	}
}
